package config

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "newsposter"

const keyringPrefix = "keyring:"

var (
	keyringGet = keyring.Get
	keyringSet = keyring.Set
)

// StoreSecret puts value into the OS keyring and returns the reference to
// write into the config file.
func StoreSecret(account, value string) (string, error) {
	if err := keyringSet(KeyringService, account, value); err != nil {
		return "", fmt.Errorf("keyring set %q: %w", account, err)
	}
	return keyringPrefix + account, nil
}

func resolveSecrets(cfg *Config) error {
	fields := []*string{
		&cfg.Social.APIKey,
		&cfg.Social.APISecret,
		&cfg.Social.AccessToken,
		&cfg.Social.AccessTokenSecret,
		&cfg.Community.Password,
	}
	if cfg.Notifier != nil {
		fields = append(fields, &cfg.Notifier.Token)
	}
	for _, f := range fields {
		v, err := resolveSecret(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func resolveSecret(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, keyringPrefix) {
		return raw, nil
	}
	account := strings.TrimSpace(s[len(keyringPrefix):])
	if account == "" {
		return "", fmt.Errorf("%w: empty keyring reference", ErrInvalid)
	}
	v, err := keyringGet(KeyringService, account)
	if err != nil {
		return "", fmt.Errorf("keyring get %q: %w", account, err)
	}
	return v, nil
}
