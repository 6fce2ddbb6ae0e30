// Package feed produces the article list a posting queue is built from:
// an RSS feed, a scrape of each story page, and the local article cache.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"newsposter/internal/article"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	DefaultURL       = "https://nypost.com/politics/feed/"
	DefaultUserAgent = "Mozilla/5.0"
	DefaultTimeout   = 300 * time.Second
	DefaultWorkers   = 8

	// minParagraph is the rune count a <p> must exceed to count as story text.
	minParagraph = 50

	noSummary = "No summary available."
	noStory   = "Full story not available."
)

var ErrNoEntries = errors.New("feed: no entries")

type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	Workers   int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Fetcher reads the feed and scrapes every story concurrently.
type Fetcher struct {
	cfg    Config
	client *http.Client
	conv   *md.Converter
	log    logx.Logger
}

func NewFetcher(cfg Config, client *http.Client, log logx.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		conv:   md.NewConverter("", true, nil),
		log:    log.With(logx.String("comp", "feed")),
	}
}

// Fetch returns the feed's articles in feed order. progress, if set, is
// called with a percentage after each story is scraped.
func (f *Fetcher) Fetch(ctx context.Context, progress func(pct int)) ([]article.Article, error) {
	fp := gofeed.NewParser()
	fp.Client = f.client
	fp.UserAgent = f.cfg.UserAgent

	parsed, err := fp.ParseURLWithContext(f.cfg.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: parse %s: %w", f.cfg.URL, err)
	}
	if len(parsed.Items) == 0 {
		return nil, ErrNoEntries
	}
	f.log.Info("feed parsed", logx.String("url", f.cfg.URL), logx.Int("entries", len(parsed.Items)))

	out := make([]article.Article, len(parsed.Items))
	jobs := make(chan int)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for range min(f.cfg.Workers, len(parsed.Items)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = f.toArticle(ctx, parsed.Items[i])
				if progress != nil {
					mu.Lock()
					done++
					pct := done * 100 / len(out)
					progress(pct)
					mu.Unlock()
				}
			}
		}()
	}
feedLoop:
	for i := range parsed.Items {
		select {
		case <-ctx.Done():
			break feedLoop
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) toArticle(ctx context.Context, it *gofeed.Item) article.Article {
	a := article.Article{
		Title:   strings.TrimSpace(it.Title),
		Link:    strings.TrimSpace(it.Link),
		Summary: noSummary,
		Image:   itemImage(it),
	}
	if s := strings.TrimSpace(it.Description); s != "" {
		a.Summary = f.flatten(s)
	}
	a.FullStory = f.scrape(ctx, a.Link)
	return a
}

// flatten turns an HTML fragment into plain markdown text. The raw text is
// kept when conversion fails.
func (f *Fetcher) flatten(html string) string {
	text, err := f.conv.ConvertString(html)
	if err != nil || strings.TrimSpace(text) == "" {
		return html
	}
	return strings.TrimSpace(text)
}

// scrape returns the story text: every paragraph longer than minParagraph
// runes, one per line. Errors become the story text; they never fail the
// fetch.
func (f *Fetcher) scrape(ctx context.Context, link string) string {
	if link == "" {
		return noStory
	}
	story, err := f.scrapeStory(ctx, link)
	if err != nil {
		f.log.Error("story scrape failed", logx.String("url", link), logx.Err(err))
		return fmt.Sprintf("Error fetching story: %v", err)
	}
	if story == "" {
		return noStory
	}
	return story
}

func (f *Fetcher) scrapeStory(ctx context.Context, link string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	var paras []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := s.Text(); utf8.RuneCountInString(t) > minParagraph {
			paras = append(paras, t)
		}
	})
	return strings.Join(paras, "\n"), nil
}

// itemImage picks the first media:content url, then the item image, then an
// image enclosure.
func itemImage(it *gofeed.Item) string {
	if media, ok := it.Extensions["media"]; ok {
		for _, c := range media["content"] {
			if u := strings.TrimSpace(c.Attrs["url"]); u != "" {
				return u
			}
		}
	}
	if it.Image != nil && strings.TrimSpace(it.Image.URL) != "" {
		return strings.TrimSpace(it.Image.URL)
	}
	for _, enc := range it.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

// Source combines the fetcher with the article cache.
type Source struct {
	Fetcher *Fetcher
	Store   storage.Store
	Log     logx.Logger
}

// Load returns the article list. With cached set it reads the cache and
// never touches the network; otherwise it fetches and replaces the cache.
// A nil Store disables caching.
func (s Source) Load(ctx context.Context, cached bool, progress func(pct int)) ([]article.Article, error) {
	if cached {
		if s.Store == nil {
			return nil, storage.ErrNoCache
		}
		all, err := s.Store.LoadArticles(ctx)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(100)
		}
		return all, nil
	}

	all, err := s.Fetcher.Fetch(ctx, progress)
	if err != nil {
		return nil, err
	}
	if s.Store != nil {
		if err := s.Store.SaveArticles(ctx, all); err != nil {
			return all, fmt.Errorf("feed: save cache: %w", err)
		}
	}
	return all, nil
}
