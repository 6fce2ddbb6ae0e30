package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DurationOr parses the duration stored at field, returning def when the
// value is empty or zero. A bare number is read as seconds, so "300" and
// "5m" mean the same.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// durationFields maps the dotted path of every duration setting to its raw
// value.
func durationFields(cfg *Config) map[string]string {
	m := map[string]string{
		"feed.timeout":                cfg.Feed.Timeout,
		"images.download_timeout":     cfg.Images.DownloadTimeout,
		"social.timeout":              cfg.Social.Timeout,
		"community.type_pace":         cfg.Community.TypePace,
		"community.page_timeout":      cfg.Community.PageTimeout,
		"community.challenge_timeout": cfg.Community.ChallengeTimeout,
		"community.upload_timeout":    cfg.Community.UploadTimeout,
	}
	if s := cfg.Storage; s != nil {
		m["storage.busy_timeout"] = s.BusyTimeout
	}
	if n := cfg.Notifier; n != nil {
		m["notifier.retry_base"] = n.RetryBase
		m["notifier.retry_max_delay"] = n.RetryMaxDelay
		m["notifier.dedup_window"] = n.DedupWindow
	}
	return m
}
