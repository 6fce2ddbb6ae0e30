package app

import (
	"fmt"
	"strings"
	"time"

	"newsposter/internal/config"
	"newsposter/internal/dispatch"
	"newsposter/internal/feed"
	"newsposter/internal/notifier"
	"newsposter/internal/platform/community"
	"newsposter/internal/platform/social"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = config.DefaultCachePath
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.DurationOr("feed.timeout", cfg.Feed.Timeout, feed.DefaultTimeout)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		URL:       cfg.Feed.URL,
		UserAgent: cfg.Feed.UserAgent,
		Timeout:   timeout,
		Workers:   cfg.Feed.Workers,
	}, nil
}

func mapSocialConfig(cfg *config.Config) (social.Config, error) {
	sc := cfg.Social
	timeout, err := config.DurationOr("social.timeout", sc.Timeout, 0)
	if err != nil {
		return social.Config{}, err
	}
	return social.Config{
		APIKey:            sc.APIKey,
		APISecret:         sc.APISecret,
		AccessToken:       sc.AccessToken,
		AccessTokenSecret: sc.AccessTokenSecret,
		BaseURL:           sc.BaseURL,
		UploadURL:         sc.UploadURL,
		RatePerMinute:     sc.RatePerMinute,
		Timeout:           timeout,
	}, nil
}

func mapDispatchOptions(cfg *config.Config) (dispatch.Options, error) {
	cc := cfg.Community
	pace, err := config.DurationOr("community.type_pace", cc.TypePace, 500*time.Microsecond)
	if err != nil {
		return dispatch.Options{}, err
	}
	page, err := config.DurationOr("community.page_timeout", cc.PageTimeout, dispatch.DefaultPageTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	challenge, err := config.DurationOr("community.challenge_timeout", cc.ChallengeTimeout, dispatch.DefaultChallengeTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	upload, err := config.DurationOr("community.upload_timeout", cc.UploadTimeout, dispatch.DefaultUploadTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{
		Pace:             pace,
		PageTimeout:      page,
		ChallengeTimeout: challenge,
		UploadTimeout:    upload,
	}, nil
}

func mapCommunityConfig(cfg *config.Config) (community.Config, error) {
	cc := cfg.Community
	page, err := config.DurationOr("community.page_timeout", cc.PageTimeout, 0)
	if err != nil {
		return community.Config{}, err
	}
	upload, err := config.DurationOr("community.upload_timeout", cc.UploadTimeout, 0)
	if err != nil {
		return community.Config{}, err
	}
	return community.Config{
		HomeURL:      cc.HomeURL,
		Email:        cc.Email,
		Password:     cc.Password,
		Headless:     cc.IsHeadless(),
		ChromePath:   cc.ChromePath,
		PageTimeout:  page,
		UploadSettle: upload,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil || !nc.Enabled {
		return notifier.Config{}, nil
	}
	if strings.TrimSpace(nc.Token) == "" || nc.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.token and notifier.chat_id are required when notifier.enabled=true")
	}

	retryBase, err := config.DurationOr("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.DurationOr("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.DurationOr("notifier.dedup_window", nc.DedupWindow, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}

	out := notifier.Config{
		Enabled:         true,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: 512,
	}
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 1
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	return out, nil
}
