package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"newsposter/internal/article"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	"github.com/spf13/afero"
)

const longPara = "This paragraph is comfortably longer than fifty characters of story text."

func newsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("feed user agent = %q", ua)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/">
<channel><title>News</title>
<item><title>First</title><link>%[1]s/a</link>
<description><![CDATA[<p>Hello <b>world</b></p>]]></description>
<media:content url="https://img.example/a.jpg" medium="image"/></item>
<item><title>Second</title><link>%[1]s/b</link></item>
<item><title>Third</title><link>%[1]s/missing</link></item>
</channel></rss>`, srv.URL)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body><p>short</p><p>%s</p><div>%s</div><p>%s!</p></body></html>", longPara, longPara, longPara)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>tiny</p></body></html>")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchKeepsFeedOrder(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	f := NewFetcher(Config{URL: srv.URL + "/feed", Workers: 3}, srv.Client(), logx.Nop())

	var (
		mu  sync.Mutex
		pct []int
	)
	got, err := f.Fetch(context.Background(), func(p int) {
		mu.Lock()
		pct = append(pct, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 3 || got[0].Title != "First" || got[1].Title != "Second" || got[2].Title != "Third" {
		t.Fatalf("articles = %+v", got)
	}

	first := got[0]
	if first.Image != "https://img.example/a.jpg" {
		t.Fatalf("image = %q", first.Image)
	}
	if !strings.Contains(first.Summary, "**world**") || strings.Contains(first.Summary, "<b>") {
		t.Fatalf("summary = %q", first.Summary)
	}
	if want := longPara + "\n" + longPara + "!"; first.FullStory != want {
		t.Fatalf("story = %q, want %q", first.FullStory, want)
	}

	if got[1].Summary != noSummary || got[1].FullStory != noStory || got[1].Image != "" {
		t.Fatalf("second = %+v", got[1])
	}
	if !strings.HasPrefix(got[2].FullStory, "Error fetching story: http 404") {
		t.Fatalf("third story = %q", got[2].FullStory)
	}

	if len(pct) != 3 || pct[len(pct)-1] != 100 {
		t.Fatalf("progress = %v", pct)
	}
}

func TestFetchEmptyFeed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>x</title></channel></rss>`)
	}))
	defer srv.Close()

	_, err := NewFetcher(Config{URL: srv.URL}, srv.Client(), logx.Nop()).Fetch(context.Background(), nil)
	if !errors.Is(err, ErrNoEntries) {
		t.Fatalf("err = %v, want ErrNoEntries", err)
	}
}

func TestSourceCache(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	st, err := storage.Open(storage.Config{Driver: "file", Path: "/data/news_cache.json", Fs: afero.NewMemMapFs()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	src := Source{Fetcher: NewFetcher(Config{URL: srv.URL + "/feed"}, srv.Client(), logx.Nop()), Store: st}
	ctx := context.Background()

	if _, err := src.Load(ctx, true, nil); !errors.Is(err, storage.ErrNoCache) {
		t.Fatalf("cached load before fetch: %v", err)
	}
	fetched, err := src.Load(ctx, false, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	srv.Close()
	cached, err := src.Load(ctx, true, nil)
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if len(cached) != len(fetched) || cached[0] != fetched[0] {
		t.Fatalf("cache = %+v, want %+v", cached, fetched)
	}

	if _, err := (Source{}).Load(ctx, true, nil); !errors.Is(err, storage.ErrNoCache) {
		t.Fatalf("storeless cached load: %v", err)
	}
}

func TestItemImageFallbacks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>x</title>
<item><title>a</title><enclosure url="https://img.example/e.png" type="image/png" length="1"/></item>
<item><title>b</title><enclosure url="https://cdn.example/e.mp3" type="audio/mpeg" length="1"/></item>
</channel></rss>`)
	}))
	defer srv.Close()

	got, err := NewFetcher(Config{URL: srv.URL}, srv.Client(), logx.Nop()).Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []article.Article{
		{Title: "a", Summary: noSummary, FullStory: noStory, Image: "https://img.example/e.png"},
		{Title: "b", Summary: noSummary, FullStory: noStory},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("article %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
