package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/dispatch"
	"newsposter/internal/eventbus"
)

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

// fakeClock advances itself by exactly the requested duration on every After.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waits   []time.Duration
	onAfter func(n int)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	n := len(c.waits)
	now := c.now
	hook := c.onAfter
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type call struct {
	platform string
	title    string
	at       time.Time
}

type fakePoster struct {
	mu        sync.Mutex
	clock     Clock
	calls     []call
	socialOK  func(a article.Article) bool
	commErr   func(a article.Article) error
	onSocial  func(a article.Article)
	panicWith string
}

func (p *fakePoster) record(platform string, a article.Article) {
	p.mu.Lock()
	p.calls = append(p.calls, call{platform: platform, title: a.Title, at: p.clock.Now()})
	p.mu.Unlock()
}

func (p *fakePoster) PostToSocial(_ context.Context, a article.Article) dispatch.Result {
	p.record("social", a)
	if p.panicWith != "" {
		panic(p.panicWith)
	}
	if p.onSocial != nil {
		p.onSocial(a)
	}
	if p.socialOK != nil && !p.socialOK(a) {
		return dispatch.Result{Reason: "rejected"}
	}
	return dispatch.Result{OK: true}
}

func (p *fakePoster) PostToCommunity(_ context.Context, s dispatch.Session, a article.Article, _ []string, _ *dispatch.Template) error {
	if s == nil {
		return dispatch.ErrNoSession
	}
	p.record("community", a)
	if p.commErr != nil {
		return p.commErr(a)
	}
	return nil
}

func (p *fakePoster) snapshot() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
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

func (s *stubSession) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func queueOf(titles ...string) article.Queue {
	q := make(article.Queue, 0, len(titles))
	for i, t := range titles {
		q = append(q, article.Entry{Article: article.Article{Title: t, Link: "https://example.com/" + t}, Source: i})
	}
	return q
}

func collect(bus eventbus.Bus) func() []eventbus.Event {
	ch, unsub := bus.Subscribe(1024)
	return func() []eventbus.Event {
		unsub()
		var out []eventbus.Event
		for e := range ch {
			out = append(out, e)
		}
		return out
	}
}

func ofType(events []eventbus.Event, typ string) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func run(t *testing.T, opts Options) Result {
	t.Helper()
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, _ := e.Wait(ctx)
	if !res.State.Terminal() {
		t.Fatalf("run did not finish: %s", res.State)
	}
	return res
}

func TestRunTicksOnInterval(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock}
	bus := eventbus.New()
	events := collect(bus)

	res := run(t, Options{
		Queue:  queueOf("a", "b", "c"),
		Spec:   Spec{Interval: time.Minute, Social: true},
		Poster: poster,
		Clock:  clock,
		Events: eventbus.Publisher{Bus: bus, RunID: "r1"},
	})

	if res.State != Completed || res.Err != nil {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
	if res.Posted != 3 || res.Failed != 0 || res.Cursor != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	calls := poster.snapshot()
	if len(calls) != 3 {
		t.Fatalf("calls: %+v", calls)
	}
	for i, c := range calls {
		if want := t0.Add(time.Duration(i) * time.Minute); !c.at.Equal(want) {
			t.Fatalf("tick %d at %s, want %s", i, c.at, want)
		}
		if c.title != []string{"a", "b", "c"}[i] {
			t.Fatalf("tick %d posted %q", i, c.title)
		}
	}

	got := events()
	var pct []int
	for _, e := range ofType(got, eventbus.RunProgress) {
		pct = append(pct, e.Data.(eventbus.Progress).Percent)
	}
	if len(pct) != 3 || pct[0] != 33 || pct[1] != 66 || pct[2] != 100 {
		t.Fatalf("progress: %v", pct)
	}
	if n := len(ofType(got, eventbus.RunCompleted)); n != 1 {
		t.Fatalf("completed events: %d", n)
	}
	for _, e := range got {
		if e.RunID != "r1" {
			t.Fatalf("event without run id: %+v", e)
		}
	}
	if last := res.States[len(res.States)-1]; last != Completed {
		t.Fatalf("states: %v", res.States)
	}
}

func TestRunWaitsForStartInBoundedChunks(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock}
	start := t0.Add(5*time.Minute + 30*time.Second)

	res := run(t, Options{
		Queue:  queueOf("a"),
		Spec:   Spec{StartAt: start, Interval: time.Minute, Social: true},
		Poster: poster,
		Clock:  clock,
	})

	if res.State != Completed {
		t.Fatalf("state=%s", res.State)
	}
	if calls := poster.snapshot(); len(calls) != 1 || !calls[0].at.Equal(start) {
		t.Fatalf("calls: %+v", calls)
	}
	clock.mu.Lock()
	waits := append([]time.Duration(nil), clock.waits...)
	clock.mu.Unlock()
	if len(waits) != 6 {
		t.Fatalf("waits: %v", waits)
	}
	for _, w := range waits {
		if w > maxSleep {
			t.Fatalf("slept %s in one chunk", w)
		}
	}
	sawWaiting := false
	for _, s := range res.States {
		if s == Waiting {
			sawWaiting = true
		}
	}
	if !sawWaiting {
		t.Fatalf("states: %v", res.States)
	}
}

func TestSessionInitFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		handle     bool
		wantCloses int
	}{
		{name: "nil handle", handle: false, wantCloses: 0},
		{name: "partial handle", handle: true, wantCloses: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clock := &fakeClock{now: t0}
			poster := &fakePoster{clock: clock}
			sess := &stubSession{}
			bus := eventbus.New()
			events := collect(bus)

			res := run(t, Options{
				Queue:  queueOf("a", "b"),
				Spec:   Spec{Interval: time.Minute, Social: true, Community: true},
				Poster: poster,
				OpenSession: func(context.Context) (dispatch.Session, error) {
					if tc.handle {
						return sess, errors.New("login rejected")
					}
					return nil, errors.New("browser missing")
				},
				Clock:  clock,
				Events: eventbus.Publisher{Bus: bus},
			})

			if res.State != Failed || res.Err == nil {
				t.Fatalf("state=%s err=%v", res.State, res.Err)
			}
			if want := []State{Idle, Initializing, Failed}; len(res.States) != len(want) || res.States[1] != want[1] || res.States[2] != want[2] {
				t.Fatalf("states: %v", res.States)
			}
			if len(poster.snapshot()) != 0 || res.Posted != 0 {
				t.Fatalf("posted during failed init")
			}
			if got := sess.closes(); got != tc.wantCloses {
				t.Fatalf("closes=%d want %d", got, tc.wantCloses)
			}
			if n := len(ofType(events(), eventbus.RunFailed)); n != 1 {
				t.Fatalf("failed events: %d", n)
			}
		})
	}
}

func TestSessionClosedOnceAfterCompletion(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock}
	sess := &stubSession{}
	opens := 0

	res := run(t, Options{
		Queue:  queueOf("a", "b"),
		Spec:   Spec{Interval: time.Minute, Community: true},
		Poster: poster,
		OpenSession: func(context.Context) (dispatch.Session, error) {
			opens++
			return sess, nil
		},
		Clock: clock,
	})

	if res.State != Completed || res.Posted != 2 {
		t.Fatalf("result: %+v", res)
	}
	if opens != 1 || sess.closes() != 1 {
		t.Fatalf("opens=%d closes=%d", opens, sess.closes())
	}
}

func TestPlatformsAreIndependent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{
		clock:    clock,
		socialOK: func(a article.Article) bool { return a.Title != "a" },
		commErr: func(a article.Article) error {
			if a.Title == "b" {
				return errors.New("group gone")
			}
			return nil
		},
	}
	var items []ItemResult

	res := run(t, Options{
		Queue:       queueOf("a", "b", "c"),
		Spec:        Spec{Interval: time.Minute, Social: true, Community: true},
		Poster:      poster,
		OpenSession: func(context.Context) (dispatch.Session, error) { return &stubSession{}, nil },
		Clock:       clock,
		OnItem:      func(r ItemResult) { items = append(items, r) },
	})

	if res.State != Completed {
		t.Fatalf("state=%s", res.State)
	}
	if want := []Outcome{Failure, Failure, Success}; res.Outcomes[0] != want[0] || res.Outcomes[1] != want[1] || res.Outcomes[2] != want[2] {
		t.Fatalf("outcomes: %v", res.Outcomes)
	}
	if len(poster.snapshot()) != 6 {
		t.Fatalf("a failing platform skipped the other: %+v", poster.snapshot())
	}
	if len(items) != 3 || items[0].Social.OK || !items[0].Community.OK || items[1].Community.OK {
		t.Fatalf("items: %+v", items)
	}
}

func TestStopBetweenTicks(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock}
	sess := &stubSession{}
	var e *Engine
	clock.onAfter = func(int) { e.Stop() }

	var err error
	e, err = New(Options{
		Queue:       queueOf("a", "b", "c"),
		Spec:        Spec{Interval: time.Minute, Social: true, Community: true},
		Poster:      poster,
		OpenSession: func(context.Context) (dispatch.Session, error) { return sess, nil },
		Clock:       clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(context.Background())
	if !errors.Is(err, ErrStopped) || res.State != Stopped {
		t.Fatalf("state=%s err=%v", res.State, err)
	}
	if res.Cursor != 1 || res.Posted != 1 || res.Outcomes[1] != Pending {
		t.Fatalf("result: %+v", res)
	}
	if sess.closes() != 1 {
		t.Fatalf("closes=%d", sess.closes())
	}
	e.Stop()
}

func TestStopDuringTickFinishesItem(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	var e *Engine
	poster := &fakePoster{clock: clock}
	poster.onSocial = func(article.Article) { e.Stop() }

	var err error
	e, err = New(Options{
		Queue:  queueOf("a", "b"),
		Spec:   Spec{Interval: time.Minute, Social: true},
		Poster: poster,
		Clock:  clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := e.Run(context.Background())
	if res.State != Stopped || res.Outcomes[0] != Success || res.Cursor != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(poster.snapshot()) != 1 {
		t.Fatalf("a tick started after stop")
	}
}

func TestCancelledContextStops(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(Options{
		Queue:  queueOf("a"),
		Spec:   Spec{Interval: time.Minute, Social: true},
		Poster: poster,
		Clock:  clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := e.Run(ctx)
	if res.State != Stopped || len(poster.snapshot()) != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestPanicFailsRun(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	poster := &fakePoster{clock: clock, panicWith: "boom"}
	sess := &stubSession{}

	res := run(t, Options{
		Queue:       queueOf("a"),
		Spec:        Spec{Interval: time.Minute, Social: true, Community: true},
		Poster:      poster,
		OpenSession: func(context.Context) (dispatch.Session, error) { return sess, nil },
		Clock:       clock,
	})
	if res.State != Failed || res.Err == nil {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
	if sess.closes() != 1 {
		t.Fatalf("closes=%d", sess.closes())
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	bus := eventbus.New()
	events := collect(bus)
	titles := []string{"a", "b", "c", "d", "e", "f", "g"}

	run(t, Options{
		Queue:  queueOf(titles...),
		Spec:   Spec{Interval: 30 * time.Second, Social: true},
		Poster: &fakePoster{clock: clock},
		Clock:  clock,
		Events: eventbus.Publisher{Bus: bus},
	})

	last := -1
	for _, e := range ofType(events(), eventbus.RunProgress) {
		p := e.Data.(eventbus.Progress).Percent
		if p < last || p < 0 || p > 100 {
			t.Fatalf("progress went %d -> %d", last, p)
		}
		last = p
	}
	if last != 100 {
		t.Fatalf("final progress %d", last)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{}
	cases := []struct {
		name string
		opts Options
	}{
		{"empty queue", Options{Spec: Spec{Interval: time.Minute, Social: true}, Poster: poster}},
		{"zero interval", Options{Queue: queueOf("a"), Spec: Spec{Social: true}, Poster: poster}},
		{"no platform", Options{Queue: queueOf("a"), Spec: Spec{Interval: time.Minute}, Poster: poster}},
		{"no poster", Options{Queue: queueOf("a"), Spec: Spec{Interval: time.Minute, Social: true}}},
		{"no opener", Options{Queue: queueOf("a"), Spec: Spec{Interval: time.Minute, Community: true}, Poster: poster}},
	}
	for _, tc := range cases {
		if _, err := New(tc.opts); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	e, err := New(Options{
		Queue:  queueOf("a"),
		Spec:   Spec{Interval: time.Minute, Social: true},
		Poster: &fakePoster{clock: clock},
		Clock:  clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	<-e.Done()
}
