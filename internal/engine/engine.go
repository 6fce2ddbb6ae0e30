// Package engine runs a posting queue on a schedule: one article per tick,
// every enabled platform per article, in queue order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/dispatch"
	"newsposter/internal/eventbus"
	logx "newsposter/pkg/logx"
)

var (
	ErrInvalidSpec    = errors.New("engine: invalid schedule")
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrNotStarted     = errors.New("engine: not started")
	ErrStopped        = errors.New("engine: stopped")
)

// maxSleep bounds a single wait so wall-clock jumps and stop requests are
// noticed within a minute.
const maxSleep = 60 * time.Second

// Spec is immutable once the run starts.
type Spec struct {
	// StartAt is when the first tick fires. Zero or past means now.
	StartAt   time.Time
	Interval  time.Duration
	Social    bool
	Community bool
}

func (s Spec) validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	if !s.Social && !s.Community {
		return fmt.Errorf("%w: no platform enabled", ErrInvalidSpec)
	}
	return nil
}

// Poster is the dispatch surface the engine drives.
type Poster interface {
	PostToSocial(ctx context.Context, a article.Article) dispatch.Result
	PostToCommunity(ctx context.Context, s dispatch.Session, a article.Article, groups []string, tmpl *dispatch.Template) error
}

// ItemResult is what one tick produced for one queue index.
type ItemResult struct {
	Index     int
	Entry     article.Entry
	Social    *dispatch.Result
	Community *dispatch.Result
	OK        bool
	At        time.Time
}

type Options struct {
	Queue  article.Queue
	Spec   Spec
	Poster Poster

	// OpenSession is required when Spec.Community is set.
	OpenSession dispatch.SessionOpener
	Groups      []string
	Template    *dispatch.Template

	Clock  Clock
	Events eventbus.Publisher
	Log    logx.Logger

	// OnItem runs on the engine goroutine after every tick. It must not block
	// for long; its failures do not affect the run.
	OnItem func(ItemResult)
}

// Result is the final report of a run.
type Result struct {
	State    State
	Cursor   int
	Outcomes []Outcome
	Posted   int
	Failed   int
	// States lists every state the run passed through, in order.
	States []State
	Err    error
}

type Engine struct {
	opts  Options
	clock Clock
	log   logx.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu       sync.Mutex
	state    State
	states   []State
	cursor   int
	outcomes []Outcome
	result   Result
}

func New(opts Options) (*Engine, error) {
	if len(opts.Queue) == 0 {
		return nil, fmt.Errorf("%w: empty queue", ErrInvalidSpec)
	}
	if err := opts.Spec.validate(); err != nil {
		return nil, err
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("%w: no poster", ErrInvalidSpec)
	}
	if opts.Spec.Community && opts.OpenSession == nil {
		return nil, fmt.Errorf("%w: community enabled without a session opener", ErrInvalidSpec)
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.Queue = opts.Queue.Clone()
	return &Engine{
		opts:     opts,
		clock:    clock,
		log:      log.With(logx.String("comp", "engine")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    Idle,
		states:   []State{Idle},
		outcomes: make([]Outcome, len(opts.Queue)),
	}, nil
}

// Start runs the engine on its own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go func() {
		defer close(e.doneCh)
		e.run(ctx)
	}()
	return nil
}

// Run runs the engine on the calling goroutine and returns its result.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyStarted
	}
	defer close(e.doneCh)
	e.run(ctx)
	r := e.Result()
	return r, r.Err
}

// Stop requests a cooperative stop. A tick in flight finishes first; no
// further tick starts. Safe to call any number of times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Done is closed when the run has ended.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }

// Wait blocks until the run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) (Result, error) {
	if !e.started.Load() {
		return Result{}, ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return e.Result(), ctx.Err()
	case <-e.doneCh:
		r := e.Result()
		return r, r.Err
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns a snapshot. It is final once Done is closed.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.result
	r.State = e.state
	r.Cursor = e.cursor
	r.Outcomes = append([]Outcome(nil), e.outcomes...)
	r.States = append([]State(nil), e.states...)
	r.Posted, r.Failed = 0, 0
	for _, o := range e.outcomes {
		switch o {
		case Success:
			r.Posted++
		case Failure:
			r.Failed++
		}
	}
	return r
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.states = append(e.states, to)
	e.mu.Unlock()

	e.log.Debug("state change", logx.String("from", from.String()), logx.String("to", to.String()))
	e.opts.Events.Emit(eventbus.RunState, eventbus.StateChange{From: from.String(), To: to.String()})
}

func (e *Engine) status(text string) {
	e.log.Info(text)
	e.opts.Events.Emit(eventbus.RunStatus, eventbus.Status{Text: text})
}

func (e *Engine) run(ctx context.Context) {
	var sess dispatch.Session
	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			if sess == nil {
				return
			}
			if err := sess.Close(); err != nil {
				e.log.Warn("community session close failed", logx.Err(err))
				return
			}
			e.status("Community session closed")
		})
	}
	defer teardown()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			teardown()
			e.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	spec := e.opts.Spec
	if spec.Community {
		e.transition(Initializing)
		e.status("Initializing community session...")
		s, err := e.opts.OpenSession(ctx)
		sess = s
		if err != nil {
			teardown()
			e.fail(fmt.Errorf("open community session: %w", err))
			return
		}
		if sess == nil {
			e.fail(fmt.Errorf("open community session: %w", dispatch.ErrNoSession))
			return
		}
	}

	if now := e.clock.Now(); spec.StartAt.After(now) {
		e.transition(Waiting)
		e.status("Waiting until " + spec.StartAt.Format("2006-01-02 03:04:05 PM") + " to start posting...")
		e.emitNextTick(spec.StartAt)
		if !e.sleepUntil(ctx, spec.StartAt) {
			teardown()
			e.stop()
			return
		}
	}

	e.transition(Armed)
	e.status("Scheduled. Running...")

	total := len(e.opts.Queue)
	next := e.clock.Now()
	for {
		if !e.sleepUntil(ctx, next) || e.stopRequested() || ctx.Err() != nil {
			teardown()
			e.stop()
			return
		}

		e.transition(Ticking)
		tickStart := e.clock.Now()
		idx := e.cursorValue()
		// The in-flight item always finishes with its true outcome.
		e.tick(context.WithoutCancel(ctx), sess, idx, tickStart)
		done := idx + 1
		e.advance(done)

		e.opts.Events.Emit(eventbus.RunProgress, eventbus.Progress{Percent: done * 100 / total, Done: done, Total: total})
		e.status(fmt.Sprintf("Scheduled: %d/%d posted", done, total))

		if done >= total {
			break
		}
		next = tickStart.Add(spec.Interval)
		if now := e.clock.Now(); next.Before(now) {
			next = now
		}
		e.emitNextTick(next)
		e.transition(Armed)
	}

	e.transition(Draining)
	teardown()
	e.transition(Completed)
	e.status("Scheduling complete")
	r := e.Result()
	e.opts.Events.Emit(eventbus.RunCompleted, eventbus.Summary{Posted: r.Posted, Failed: r.Failed, Total: total})
}

func (e *Engine) tick(ctx context.Context, sess dispatch.Session, idx int, at time.Time) {
	entry := e.opts.Queue[idx]
	a := entry.Article
	res := ItemResult{Index: idx, Entry: entry, OK: true, At: at}

	if e.opts.Spec.Social {
		r := e.opts.Poster.PostToSocial(ctx, a)
		res.Social = &r
		res.OK = res.OK && r.OK
	}
	if e.opts.Spec.Community {
		r := dispatch.Result{OK: true}
		if err := e.opts.Poster.PostToCommunity(ctx, sess, a, e.opts.Groups, e.opts.Template); err != nil {
			e.log.Error("community posting failed", logx.Int("index", idx), logx.String("title", a.Title), logx.Err(err))
			r = dispatch.Result{Reason: err.Error()}
		}
		res.Community = &r
		res.OK = res.OK && r.OK
	}

	e.mu.Lock()
	if res.OK {
		e.outcomes[idx] = Success
	} else {
		e.outcomes[idx] = Failure
	}
	e.mu.Unlock()

	ev := eventbus.Outcome{Index: idx, Title: a.Title, OK: res.OK}
	if res.Social != nil {
		ev.Social = res.Social.String()
	}
	if res.Community != nil {
		ev.Community = res.Community.String()
	}
	e.opts.Events.Emit(eventbus.RunOutcome, ev)

	if e.opts.OnItem != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("item hook panicked", logx.Any("panic", r))
				}
			}()
			e.opts.OnItem(res)
		}()
	}
}

func (e *Engine) cursorValue() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// advance moves the cursor forward. It never moves back.
func (e *Engine) advance(to int) {
	e.mu.Lock()
	if to > e.cursor {
		e.cursor = to
	}
	e.mu.Unlock()
}

func (e *Engine) emitNextTick(at time.Time) {
	in := at.Sub(e.clock.Now())
	if in < 0 {
		in = 0
	}
	e.opts.Events.Emit(eventbus.RunNextTick, eventbus.NextTick{At: at, In: in})
}

// sleepUntil waits for t in chunks of at most maxSleep. It returns false if
// a stop was requested or ctx ended first.
func (e *Engine) sleepUntil(ctx context.Context, t time.Time) bool {
	for {
		if e.stopRequested() || ctx.Err() != nil {
			return false
		}
		d := t.Sub(e.clock.Now())
		if d <= 0 {
			return true
		}
		select {
		case <-e.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-e.clock.After(min(d, maxSleep)):
		}
	}
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.result.Err = err
	e.mu.Unlock()
	e.transition(Failed)
	e.log.Error("scheduling failed", logx.Err(err))
	e.status("Error during scheduling")
	e.opts.Events.Emit(eventbus.RunFailed, eventbus.Failure{Reason: err.Error()})
}

func (e *Engine) stop() {
	e.mu.Lock()
	e.result.Err = ErrStopped
	e.mu.Unlock()
	e.transition(Stopped)
	r := e.Result()
	e.status(fmt.Sprintf("Stopped: %d/%d posted", r.Cursor, len(e.opts.Queue)))
	e.opts.Events.Emit(eventbus.RunStopped, eventbus.Summary{Posted: r.Posted, Failed: r.Failed, Total: len(e.opts.Queue)})
}
