package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/config"
	"newsposter/internal/eventbus"
	"newsposter/internal/runner"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(dir))
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const quietConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false}},
  "storage": {"driver": "file", "path": "$DIR/news_cache.json"},
  "images": {"logo": "$DIR/logo.png", "output_dir": "$DIR/images"},
  "community": {"groups": []}
}`

func TestNewAppWithoutCredentials(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeConfig(t, quietConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(ctx, StopCompleted)

	if _, err := a.Queue(ctx, []int{0}); !errors.Is(err, storage.ErrNoCache) {
		t.Fatalf("Queue before fetch: %v", err)
	}

	q := article.Queue{{Article: article.Article{Title: "t", Link: "l"}}}
	if _, err := a.StartRun(ctx, runner.Request{Queue: q, Social: true}); !errors.Is(err, ErrSocialNotConfigured) {
		t.Fatalf("social run: %v", err)
	}
	if _, err := a.StartRun(ctx, runner.Request{Queue: q, Community: true}); err == nil {
		t.Fatal("community run without groups started")
	}
	if a.Notifier() != nil {
		t.Fatal("notifier built while disabled")
	}
}

func TestQueueFromCache(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeConfig(t, quietConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	defer a.Stop(ctx, StopCompleted)

	all := []article.Article{
		{Title: "a", Link: "https://n.example/a"},
		{Title: "b", Link: "https://n.example/b"},
	}
	if err := a.Store().SaveArticles(ctx, all); err != nil {
		t.Fatalf("SaveArticles: %v", err)
	}

	q, err := a.Queue(ctx, []int{1, 0, 1, 7})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(q) != 2 || q[0].Source != 1 || q[1].Source != 0 {
		t.Fatalf("queue = %+v", q)
	}

	q, err = a.Queue(ctx, nil)
	if err != nil || len(q) != 2 || q[0].Source != 0 {
		t.Fatalf("full queue = %+v, %v", q, err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{name: "nil", in: nil},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file default path", in: &config.StorageConfig{Driver: "file"}, driver: "file", enabled: true},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, driver: "sqlite", enabled: true},
		{name: "sqlite no path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if enabled != tc.enabled || sc.Driver != tc.driver {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
			if tc.name == "file default path" && sc.Path != config.DefaultCachePath {
				t.Fatalf("path = %q", sc.Path)
			}
			if tc.name == "sqlite" && sc.BusyTimeout != 2*time.Second {
				t.Fatalf("busy = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	off, err := mapNotifierConfig(&config.Config{})
	if err != nil || off.Enabled {
		t.Fatalf("disabled = %+v, %v", off, err)
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true}}); err == nil {
		t.Fatal("missing token accepted")
	}
	got, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true, Token: "1:x", ChatID: -100, DedupWindow: "1m"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !got.Enabled || got.Workers != 1 || got.RetryMax != 3 || got.DedupWindow != time.Minute {
		t.Fatalf("got %+v", got)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestRunEventsAreLogged(t *testing.T) {
	t.Parallel()

	cfgm := config.NewManager(writeConfig(t, quietConfig))
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatal(err)
	}
	var buf lockedBuffer
	a, err := build(cfgm, cfg, nil, logx.NewWriter(&buf, "info"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), `"message":"item posted"`) {
		if time.Now().After(deadline) {
			t.Fatalf("event not logged:\n%s", buf.String())
		}
		a.Bus().Publish(eventbus.Event{Type: eventbus.RunOutcome, RunID: "r1", Data: eventbus.Outcome{Index: 2, Title: "x", OK: true, Social: "ok"}})
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(buf.String(), `"run_id":"r1"`) {
		t.Fatalf("run id missing:\n%s", buf.String())
	}

	for !strings.Contains(buf.String(), `"message":"item failed"`) {
		if time.Now().After(deadline) {
			t.Fatalf("failed item not logged:\n%s", buf.String())
		}
		a.Bus().Publish(eventbus.Event{Type: eventbus.RunOutcome, RunID: "r1", Data: eventbus.Outcome{Index: 3, Title: "y", Social: "failed: rejected"}})
		time.Sleep(20 * time.Millisecond)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"title":"y"`) && !strings.Contains(line, `"level":"warn"`) {
			t.Fatalf("failed item logged as %s", line)
		}
		if strings.Contains(line, `"title":"y"`) && strings.Contains(line, "item posted") {
			t.Fatalf("failed item logged as posted: %s", line)
		}
	}
}
