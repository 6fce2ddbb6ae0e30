package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "newsposter/pkg/logx"
)

var ErrInvalid = errors.New("config: invalid")

type Manager struct {
	path string

	mu  sync.RWMutex
	raw *Config // as read from disk, secrets unresolved
	cfg *Config // defaults applied, secrets resolved

	log logx.Logger
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and strictly decodes the file. Unknown fields and trailing
// data are rejected.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

func decode(path string, b []byte) (*Config, error) {
	jb, err := fileToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses the file, applies defaults, validates it and resolves
// keyring references. The result is what Get returns afterwards.
func (m *Manager) Load() (*Config, error) {
	raw, err := m.Parse()
	if err != nil {
		return nil, err
	}
	cfg := clone(raw)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.raw = raw
	m.cfg = cfg
	m.mu.Unlock()
	m.log.Debug("config loaded", logx.String("path", m.path))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Raw returns the last loaded file content with keyring references intact.
// Edit this copy and pass it to Save to keep secrets out of the file.
func (m *Manager) Raw() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.raw == nil {
		return nil
	}
	return clone(m.raw)
}

// Save writes cfg to the manager's path in the format implied by the
// extension. The write is atomic (tmp + rename).
func (m *Manager) Save(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	b, err := encodeFile(m.path, cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	m.mu.Lock()
	m.raw = clone(cfg)
	m.mu.Unlock()
	m.log.Info("config saved", logx.String("path", m.path))
	return nil
}

// Validate reports the first structural problem in cfg.
func Validate(cfg *Config) error {
	for path, raw := range durationFields(cfg) {
		if _, err := parseDuration(path, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "none":
		default:
			return fmt.Errorf("%w: storage.driver %q (use file, sqlite or none)", ErrInvalid, cfg.Storage.Driver)
		}
	}
	if cfg.Social.RatePerMinute < 0 {
		return fmt.Errorf("%w: social.rate_per_minute must be >= 0", ErrInvalid)
	}
	for i, g := range cfg.Community.Groups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("%w: community.groups[%d] is empty", ErrInvalid, i)
		}
	}
	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			return fmt.Errorf("%w: notifier.enabled requires token and chat_id", ErrInvalid)
		}
	}
	return nil
}

func clone(cfg *Config) *Config {
	b, err := json.Marshal(cfg)
	if err != nil {
		cp := *cfg
		return &cp
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *cfg
		return &cp
	}
	return &out
}
