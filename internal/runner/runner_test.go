package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/dispatch"
	"newsposter/internal/engine"
	"newsposter/internal/eventbus"
	"newsposter/internal/imageprep"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	"github.com/spf13/afero"
)

type fakePoster struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]bool
	onSocial func(title string)
}

func (p *fakePoster) PostToSocial(_ context.Context, a article.Article) dispatch.Result {
	p.mu.Lock()
	p.calls = append(p.calls, "social:"+a.Title)
	hook := p.onSocial
	fail := p.failOn["social:"+a.Title]
	p.mu.Unlock()
	if hook != nil {
		hook(a.Title)
	}
	if fail {
		return dispatch.Result{Reason: "rejected"}
	}
	return dispatch.Result{OK: true}
}

func (p *fakePoster) PostToCommunity(_ context.Context, _ dispatch.Session, a article.Article, _ []string, _ *dispatch.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "community:"+a.Title)
	if p.failOn["community:"+a.Title] {
		return errors.New("group gone")
	}
	return nil
}

func (p *fakePoster) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type stubSession struct {
	dispatch.Session
	mu     sync.Mutex
	closed int
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type prepFunc func(ctx context.Context, q article.Queue) (article.Queue, error)

func (f prepFunc) Run(ctx context.Context, q article.Queue) (article.Queue, error) { return f(ctx, q) }

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func articles(titles ...string) []article.Article {
	out := make([]article.Article, len(titles))
	for i, t := range titles {
		out[i] = article.Article{Title: t, Link: "https://example.com/" + t}
	}
	return out
}

func queue(t *testing.T, all []article.Article, sel ...int) article.Queue {
	t.Helper()
	q, err := article.NewQueue(all, sel)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func openStore(t *testing.T, fs afero.Fs) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: "/data/news_cache.json", Fs: fs}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func execute(t *testing.T, r *Runner, req Request) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, _ := r.Execute(ctx, req)
	return rep
}

func TestStartValidates(t *testing.T) {
	t.Parallel()

	r := New(Options{Poster: &fakePoster{}})
	q := queue(t, articles("a"), 0)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"empty queue", Request{Social: true}, ErrEmptyQueue},
		{"no platform", Request{Queue: q}, ErrNoPlatform},
		{"community without opener", Request{Queue: q, Community: true}, ErrNoSession},
		{"scheduled without interval", Request{Queue: q, Social: true, Mode: ModeScheduled}, engine.ErrInvalidSpec},
	}
	for _, tc := range cases {
		if _, err := r.Start(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
}

func TestNowPostsSocialThenCommunity(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	st := openStore(t, fs)
	poster := &fakePoster{failOn: map[string]bool{"community:b": true}}
	sess := &stubSession{}
	opens := 0
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)

	r := New(Options{
		Poster: poster,
		OpenSession: func(context.Context) (dispatch.Session, error) {
			opens++
			return sess, nil
		},
		Store: st,
		Bus:   bus,
	})
	rep := execute(t, r, Request{Queue: queue(t, articles("a", "b"), 0, 1), Social: true, Community: true})
	unsub()

	if rep.State != engine.Completed || rep.Err != nil {
		t.Fatalf("report: %+v", rep)
	}
	want := []string{"social:a", "social:b", "community:a", "community:b"}
	got := poster.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls: %v", got)
		}
	}
	if rep.Outcomes[0] != engine.Success || rep.Outcomes[1] != engine.Failure || rep.Posted != 1 || rep.Failed != 1 {
		t.Fatalf("outcomes: %+v", rep)
	}
	if opens != 1 || sess.closed != 1 {
		t.Fatalf("opens=%d closes=%d", opens, sess.closed)
	}

	recs, err := st.RecentOutcomes(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].RunID != rep.RunID || recs[0].Title != "b" || recs[0].OK {
		t.Fatalf("journal: %+v", recs)
	}

	var last int
	var completed int
	for e := range events {
		switch e.Type {
		case eventbus.RunProgress:
			last = e.Data.(eventbus.Progress).Percent
		case eventbus.RunCompleted:
			completed++
		}
		if e.RunID != rep.RunID {
			t.Fatalf("event run id %q", e.RunID)
		}
	}
	if last != 100 || completed != 1 {
		t.Fatalf("last progress %d, completed %d", last, completed)
	}
}

func TestPrepFailureBlocksPosting(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	r := New(Options{
		Poster: poster,
		Prep: prepFunc(func(context.Context, article.Queue) (article.Queue, error) {
			return nil, errors.New("disk full")
		}),
		Bus: bus,
	})
	rep := execute(t, r, Request{Queue: queue(t, articles("a"), 0), Social: true})
	unsub()

	if rep.State != engine.Failed || rep.Err == nil {
		t.Fatalf("report: %+v", rep)
	}
	if len(poster.snapshot()) != 0 {
		t.Fatalf("posted after failed preprocessing")
	}
	failed := 0
	for e := range events {
		if e.Type == eventbus.RunFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed events: %d", failed)
	}
}

func TestPrepPanicFailsRun(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	r := New(Options{
		Poster: poster,
		Prep: prepFunc(func(context.Context, article.Queue) (article.Queue, error) {
			panic("decoder exploded")
		}),
		Bus: bus,
	})
	req := Request{Queue: queue(t, articles("a"), 0), Social: true}
	run, err := r.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run never ended; state=%s", run.Report().State)
	}
	unsub()

	rep := run.Report()
	if rep.State != engine.Failed || !errors.Is(rep.Err, imageprep.ErrFailed) {
		t.Fatalf("report: %+v", rep)
	}
	if len(poster.snapshot()) != 0 {
		t.Fatalf("posted after preprocessor panic")
	}
	failed := 0
	for e := range events {
		if e.Type == eventbus.RunFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed events: %d", failed)
	}

	r.opts.Prep = nil
	if _, err := r.Execute(context.Background(), req); errors.Is(err, ErrBusy) {
		t.Fatalf("runner still busy after the failed run")
	}
}

func TestPreprocessedQueueIsPosted(t *testing.T) {
	t.Parallel()

	var seen []string
	var mu sync.Mutex
	poster := &fakePoster{onSocial: func(string) {}}
	r := New(Options{
		Poster: posterFunc{fakePoster: poster, seen: func(a article.Article) {
			mu.Lock()
			seen = append(seen, a.Image)
			mu.Unlock()
		}},
		Prep: prepFunc(func(_ context.Context, q article.Queue) (article.Queue, error) {
			out := q.Clone()
			for i := range out {
				out[i].Article.Image = "/out/article_" + out[i].Article.Title + ".png"
			}
			return out, nil
		}),
	})
	rep := execute(t, r, Request{Queue: queue(t, articles("a", "b"), 0, 1), Social: true})
	if rep.State != engine.Completed {
		t.Fatalf("report: %+v", rep)
	}
	if len(seen) != 2 || seen[0] != "/out/article_a.png" || seen[1] != "/out/article_b.png" {
		t.Fatalf("images: %v", seen)
	}
}

type posterFunc struct {
	*fakePoster
	seen func(article.Article)
}

func (p posterFunc) PostToSocial(ctx context.Context, a article.Article) dispatch.Result {
	p.seen(a)
	return p.fakePoster.PostToSocial(ctx, a)
}

func TestScheduledRunJournalsEveryTick(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	st := openStore(t, fs)
	poster := &fakePoster{}
	r := New(Options{
		Poster: poster,
		Store:  st,
		Clock:  &stepClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	})
	rep := execute(t, r, Request{
		Queue:    queue(t, articles("a", "b", "c"), 2, 0, 1),
		Mode:     ModeScheduled,
		Social:   true,
		Interval: 5 * time.Minute,
	})
	if rep.State != engine.Completed || rep.Posted != 3 {
		t.Fatalf("report: %+v", rep)
	}
	got := poster.snapshot()
	if len(got) != 3 || got[0] != "social:c" || got[1] != "social:a" {
		t.Fatalf("order: %v", got)
	}
	recs, _ := st.RecentOutcomes(context.Background(), 0)
	if len(recs) != 3 || recs[2].Source != 2 || recs[2].Mode != string(ModeScheduled) {
		t.Fatalf("journal: %+v", recs)
	}
}

func TestEvictOnSuccess(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	st := openStore(t, fs)
	all := articles("a", "b", "c")
	for i := range all {
		all[i].Image = "/img/article_" + all[i].Title + ".png"
		if err := afero.WriteFile(fs, all[i].Image, []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SaveArticles(context.Background(), all); err != nil {
		t.Fatal(err)
	}

	poster := &fakePoster{failOn: map[string]bool{"social:c": true}}
	r := New(Options{Poster: poster, Store: st, Fs: fs, EvictOnSuccess: true})
	rep := execute(t, r, Request{Queue: queue(t, all, 0, 2), Social: true})

	if len(rep.Evicted) != 1 || rep.Evicted[0] != 0 {
		t.Fatalf("evicted: %v", rep.Evicted)
	}
	left, err := st.LoadArticles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].Title != "b" || left[1].Title != "c" {
		t.Fatalf("cache: %+v", left)
	}
	if ok, _ := afero.Exists(fs, "/img/article_a.png"); ok {
		t.Fatalf("evicted image still on disk")
	}
	if ok, _ := afero.Exists(fs, "/img/article_c.png"); !ok {
		t.Fatalf("failed article's image removed")
	}
}

func TestStopDuringNowRun(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	r := New(Options{Poster: poster})
	var run *Run
	ready := make(chan struct{})
	poster.onSocial = func(string) {
		<-ready
		run.Stop()
	}

	var err error
	run, err = r.Start(context.Background(), Request{Queue: queue(t, articles("a", "b", "c"), 0, 1, 2), Social: true})
	if err != nil {
		t.Fatal(err)
	}
	close(ready)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := run.Wait(ctx)
	if !errors.Is(err, engine.ErrStopped) || rep.State != engine.Stopped {
		t.Fatalf("state=%s err=%v", rep.State, err)
	}
	if rep.Posted != 1 || len(poster.snapshot()) != 1 {
		t.Fatalf("report: %+v calls=%v", rep, poster.snapshot())
	}
}

func TestOneRunAtATime(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := New(Options{
		Poster: &fakePoster{},
		Prep: prepFunc(func(_ context.Context, q article.Queue) (article.Queue, error) {
			<-release
			return q, nil
		}),
	})
	req := Request{Queue: queue(t, articles("a"), 0), Social: true}
	run, err := r.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(context.Background(), req); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start: %v", err)
	}
	close(release)
	<-run.Done()

	if _, err := r.Execute(context.Background(), req); err != nil {
		t.Fatalf("start after finish: %v", err)
	}
}
