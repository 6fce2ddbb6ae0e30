package config

// Config is the single on-disk configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500us", "10s", "1m").
// Secret fields accept "keyring:<account>" to read the value from the OS
// keyring instead of the file.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Social    SocialConfig    `json:"social"`
	Community CommunityConfig `json:"community"`
	Images    ImagesConfig    `json:"images"`
	Feed      FeedConfig      `json:"feed"`
	Schedule  ScheduleConfig  `json:"schedule"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Template is appended to every community post as a final paragraph.
	// It is a text/template executed against the article.
	Template string `json:"template,omitempty"`

	Cache CacheConfig `json:"cache"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SocialConfig holds the microblogging API credentials and client limits.
type SocialConfig struct {
	APIKey            string `json:"api_key"`
	APISecret         string `json:"api_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`

	BaseURL   string `json:"base_url,omitempty"`   // default: https://api.twitter.com
	UploadURL string `json:"upload_url,omitempty"` // default: https://upload.twitter.com

	RatePerMinute int    `json:"rate_per_minute,omitempty"` // default: 10
	Timeout       string `json:"timeout,omitempty"`         // default: 60s
}

// CommunityConfig drives the browser session used for group posts.
type CommunityConfig struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Groups   []string `json:"groups"`
	HomeURL  string   `json:"home_url,omitempty"` // default: https://www.quora.com/

	Headless   *bool  `json:"headless,omitempty"` // default: true
	ChromePath string `json:"chrome_path,omitempty"`

	TypePace         string `json:"type_pace,omitempty"`         // default: 500us
	PageTimeout      string `json:"page_timeout,omitempty"`      // default: 60s
	ChallengeTimeout string `json:"challenge_timeout,omitempty"` // default: 10s
	UploadTimeout    string `json:"upload_timeout,omitempty"`    // default: 30s
}

type ImagesConfig struct {
	Logo            string `json:"logo"`
	OutputDir       string `json:"output_dir"`
	DownloadTimeout string `json:"download_timeout,omitempty"` // default: 300s
}

type FeedConfig struct {
	URL       string `json:"url"`
	Timeout   string `json:"timeout,omitempty"` // default: 300s
	Workers   int    `json:"workers,omitempty"` // default: 8
	UserAgent string `json:"user_agent,omitempty"`
}

// ScheduleConfig holds the defaults for `newsposter schedule`; flags win.
type ScheduleConfig struct {
	Start    string `json:"start,omitempty"`    // default: now
	Interval string `json:"interval,omitempty"` // default: 1 (minute)
}

// StorageConfig controls the article cache and outcome journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./news_cache.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig forwards run results to a Telegram chat.
type NotifierConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type CacheConfig struct {
	// EvictOnSuccess removes successfully posted articles (and their images)
	// from the article cache once a run ends.
	EvictOnSuccess bool `json:"evict_on_success"`
}
