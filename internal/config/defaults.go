package config

import "strings"

const (
	DefaultFeedURL   = "https://nypost.com/politics/feed/"
	DefaultHomeURL   = "https://www.quora.com/"
	DefaultGroup     = "https://fubarmemesandmusic.quora.com/"
	DefaultLogo      = "./new_york_post_logo.png"
	DefaultOutputDir = "./downloaded_images"
	DefaultCachePath = "./news_cache.json"
	DefaultLogPath   = "./news_poster.log"
)

// Default returns the configuration written by `newsposter config init`.
func Default() *Config {
	on := true
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: &on,
			File:    LoggingFileConfig{Enabled: true, Path: DefaultLogPath},
		},
		Community: CommunityConfig{
			Groups:  []string{DefaultGroup},
			HomeURL: DefaultHomeURL,
		},
		Images:   ImagesConfig{Logo: DefaultLogo, OutputDir: DefaultOutputDir},
		Feed:     FeedConfig{URL: DefaultFeedURL},
		Schedule: ScheduleConfig{Start: "now", Interval: "1"},
		Storage:  &StorageConfig{Driver: "file", Path: DefaultCachePath},
	}
}

// applyDefaults fills in values a minimal file may omit.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Console == nil {
		on := true
		cfg.Logging.Console = &on
	}
	if strings.TrimSpace(cfg.Community.HomeURL) == "" {
		cfg.Community.HomeURL = DefaultHomeURL
	}
	if strings.TrimSpace(cfg.Images.Logo) == "" {
		cfg.Images.Logo = DefaultLogo
	}
	if strings.TrimSpace(cfg.Images.OutputDir) == "" {
		cfg.Images.OutputDir = DefaultOutputDir
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		cfg.Feed.URL = DefaultFeedURL
	}
	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{Driver: "file", Path: DefaultCachePath}
	}
	if strings.TrimSpace(cfg.Schedule.Interval) == "" {
		cfg.Schedule.Interval = "1"
	}
}

// ConsoleEnabled reports the effective console logging flag.
func (c LoggingConfig) ConsoleEnabled() bool { return c.Console == nil || *c.Console }

// IsHeadless reports the effective headless flag.
func (c CommunityConfig) IsHeadless() bool { return c.Headless == nil || *c.Headless }
