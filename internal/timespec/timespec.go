// Package timespec parses the user-facing start time and interval of a
// scheduled run.
package timespec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidStart    = errors.New("timespec: invalid start time")
	ErrInvalidInterval = errors.New("timespec: invalid interval")
)

// Start forms:
//   - "" or "now": start immediately
//   - wall clock, 24h or 12h: "21:30", "21:30:05", "9:30PM", "09:30:05 pm"
//     (next occurrence; rolls to tomorrow when already past today)
//   - RFC3339 timestamp: "2026-01-02T15:04:05Z"
//   - cron expression: "cron:30 9 * * 1-5", "@daily", "0 9 * * *"
//     (next occurrence after now)
var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04PM",
	"3:04:05PM",
}

// ParseStart resolves raw against now. The zero time means "now".
func ParseStart(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "now") {
		return time.Time{}, nil
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return nextCron(strings.TrimSpace(s[len("cron:"):]), now)
	}

	if t, ok := parseClock(s, now); ok {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return nextCron(s, now)
	}
	return time.Time{}, fmt.Errorf("%w %q (use now, 21:30, 9:30PM, RFC3339 or a cron expression)", ErrInvalidStart, raw)
}

func parseClock(s string, now time.Time) (time.Time, bool) {
	norm := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	for _, layout := range clockLayouts {
		c, err := time.Parse(layout, norm)
		if err != nil {
			continue
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), c.Hour(), c.Minute(), c.Second(), 0, now.Location())
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	}
	return time.Time{}, false
}

func nextCron(expr string, now time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidStart)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidStart, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidStart, expr)
	}
	return next, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval accepts whole minutes ("5"), HH:MM ("01:30") or a Go
// duration ("90s", "2h30m"). The result is always > 0.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidInterval)
	}
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Minute
	} else if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: minutes out of range in %q", ErrInvalidInterval, raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else if pd, err := time.ParseDuration(s); err == nil {
		d = pd
	} else {
		return 0, fmt.Errorf("%w %q (use minutes like '5', HH:MM like '01:30' or duration like '90s')", ErrInvalidInterval, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidInterval)
	}
	return d, nil
}
