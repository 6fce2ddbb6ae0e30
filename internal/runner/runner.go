// Package runner sequences one posting run: validate, preprocess images, then
// post the queue now or hand it to the scheduler engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/dispatch"
	"newsposter/internal/engine"
	"newsposter/internal/eventbus"
	"newsposter/internal/imageprep"
	"newsposter/internal/runtime/supervisor"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	ErrEmptyQueue = errors.New("runner: no articles selected")
	ErrNoPlatform = errors.New("runner: no platform selected")
	ErrBusy       = errors.New("runner: a run is already in progress")
	ErrNoSession  = errors.New("runner: community posting needs a session opener")
)

type Mode string

const (
	ModeNow       Mode = "now"
	ModeScheduled Mode = "scheduled"
)

// Preprocessor prepares the images of a queue before posting.
type Preprocessor interface {
	Run(ctx context.Context, q article.Queue) (article.Queue, error)
}

// Request is what the user committed to.
type Request struct {
	Queue     article.Queue
	Mode      Mode
	Social    bool
	Community bool

	// Scheduled mode only.
	StartAt  time.Time
	Interval time.Duration
}

type Options struct {
	Prep        Preprocessor // nil skips preprocessing
	Poster      engine.Poster
	OpenSession dispatch.SessionOpener
	Groups      []string
	Template    *dispatch.Template

	// Store journals outcomes and, with EvictOnSuccess, drops posted
	// articles from the cache. Nil disables both.
	Store          storage.Store
	EvictOnSuccess bool
	// Fs is where evicted images are deleted. Nil means the OS filesystem.
	Fs afero.Fs
	// Logo is never deleted on eviction.
	Logo string

	Bus   eventbus.Bus
	Clock engine.Clock
	Log   logx.Logger
}

type Runner struct {
	opts Options
	log  logx.Logger
	busy atomic.Bool
}

func New(opts Options) *Runner {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{opts: opts, log: log.With(logx.String("comp", "runner"))}
}

// Report is the final account of a run.
type Report struct {
	RunID    string
	Mode     Mode
	State    engine.State
	Outcomes []engine.Outcome
	Posted   int
	Failed   int
	// Evicted lists the cache positions removed after the run.
	Evicted []int
	Err     error
}

// Run is a started run.
type Run struct {
	ID string

	r    *Runner
	req  Request
	pub  eventbus.Publisher
	log  logx.Logger
	sup  *supervisor.Supervisor
	stop chan struct{}
	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	eng    *engine.Engine
	report Report
}

func (req Request) validate() error {
	if len(req.Queue) == 0 {
		return ErrEmptyQueue
	}
	if !req.Social && !req.Community {
		return ErrNoPlatform
	}
	switch req.Mode {
	case ModeNow, "":
	case ModeScheduled:
		if req.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", engine.ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("runner: unknown mode %q", req.Mode)
	}
	return nil
}

// Start validates req and launches the run in the background.
// Only one run may be active per Runner.
func (r *Runner) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Mode == "" {
		req.Mode = ModeNow
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Community && r.opts.OpenSession == nil {
		return nil, ErrNoSession
	}
	if r.opts.Poster == nil {
		return nil, errors.New("runner: no poster configured")
	}
	if !r.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	id := uuid.NewString()
	log := r.log.With(logx.String("run_id", id), logx.String("mode", string(req.Mode)))
	run := &Run{
		ID:     id,
		r:      r,
		req:    req,
		pub:    eventbus.Publisher{Bus: r.opts.Bus, RunID: id},
		log:    log,
		sup:    supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		report: Report{RunID: id, Mode: req.Mode, State: engine.Idle},
	}
	run.req.Queue = req.Queue.Clone()

	run.sup.Go0("run", func(ctx context.Context) {
		defer close(run.done)
		defer r.busy.Store(false)
		defer run.sup.Cancel()
		defer func() {
			if p := recover(); p != nil {
				run.fail(fmt.Errorf("runner: panic: %v", p))
			}
		}()
		run.execute(ctx)
	})
	return run, nil
}

// Execute starts a run and waits for it.
func (r *Runner) Execute(ctx context.Context, req Request) (Report, error) {
	run, err := r.Start(ctx, req)
	if err != nil {
		return Report{}, err
	}
	return run.Wait(context.WithoutCancel(ctx))
}

// Stop requests a cooperative stop. The item being posted finishes first.
func (run *Run) Stop() {
	run.once.Do(func() {
		close(run.stop)
		run.mu.Lock()
		eng := run.eng
		run.mu.Unlock()
		if eng != nil {
			eng.Stop()
		}
	})
}

func (run *Run) stopRequested() bool {
	select {
	case <-run.stop:
		return true
	default:
		return false
	}
}

func (run *Run) Done() <-chan struct{} { return run.done }

// Wait blocks until the run ends or ctx is done.
func (run *Run) Wait(ctx context.Context) (Report, error) {
	select {
	case <-ctx.Done():
		return run.Report(), ctx.Err()
	case <-run.done:
		rep := run.Report()
		return rep, rep.Err
	}
}

func (run *Run) Report() Report {
	run.mu.Lock()
	defer run.mu.Unlock()
	rep := run.report
	rep.Outcomes = append([]engine.Outcome(nil), rep.Outcomes...)
	rep.Evicted = append([]int(nil), rep.Evicted...)
	return rep
}

func (run *Run) setReport(fn func(*Report)) {
	run.mu.Lock()
	fn(&run.report)
	run.mu.Unlock()
}

func (run *Run) execute(ctx context.Context) {
	q, err := run.preprocess(ctx)
	if err != nil {
		run.fail(err)
		return
	}
	if run.stopRequested() {
		run.setReport(func(rep *Report) {
			rep.State = engine.Stopped
			rep.Err = engine.ErrStopped
			rep.Outcomes = make([]engine.Outcome, len(q))
		})
		run.pub.Emit(eventbus.RunStopped, eventbus.Summary{Total: len(q)})
		return
	}

	switch run.req.Mode {
	case ModeScheduled:
		run.scheduled(ctx, q)
	default:
		run.now(ctx, q)
	}
	run.evict(context.WithoutCancel(ctx), q)
}

func (run *Run) fail(err error) {
	run.log.Error("run failed", logx.Err(err))
	run.setReport(func(rep *Report) {
		rep.State = engine.Failed
		rep.Err = err
	})
	run.pub.Emit(eventbus.RunFailed, eventbus.Failure{Reason: err.Error()})
}

// preprocess runs the image step on its own worker and waits for it. A
// preprocessor error or panic always comes back as a result; it also cancels
// the run's supervisor.
func (run *Run) preprocess(ctx context.Context) (article.Queue, error) {
	prep := run.r.opts.Prep
	if prep == nil {
		return run.req.Queue, nil
	}
	type result struct {
		q   article.Queue
		err error
	}
	ch := make(chan result, 1)
	run.sup.Go("imageprep", func(ctx context.Context) (err error) {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: fmt.Errorf("%w: panic: %v", imageprep.ErrFailed, p)}
			}
			ch <- res
			err = res.err
		}()
		res.q, res.err = prep.Run(ctx, run.req.Queue)
		return res.err
	})

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The worker's own failure cancels ctx after it has sent its result.
		select {
		case res = <-ch:
		default:
			return nil, ctx.Err()
		}
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.q, nil
}

func (run *Run) scheduled(ctx context.Context, q article.Queue) {
	o := run.r.opts
	eng, err := engine.New(engine.Options{
		Queue:       q,
		Spec:        engine.Spec{StartAt: run.req.StartAt, Interval: run.req.Interval, Social: run.req.Social, Community: run.req.Community},
		Poster:      o.Poster,
		OpenSession: o.OpenSession,
		Groups:      o.Groups,
		Template:    o.Template,
		Clock:       o.Clock,
		Events:      run.pub,
		Log:         run.log,
		OnItem: func(it engine.ItemResult) {
			run.journal(ctx, it)
		},
	})
	if err != nil {
		run.setReport(func(rep *Report) {
			rep.State = engine.Failed
			rep.Err = err
		})
		run.pub.Emit(eventbus.RunFailed, eventbus.Failure{Reason: err.Error()})
		return
	}
	run.mu.Lock()
	run.eng = eng
	run.mu.Unlock()
	// A stop that raced the assignment above.
	if run.stopRequested() {
		eng.Stop()
	}

	res, _ := eng.Run(ctx)
	run.setReport(func(rep *Report) {
		rep.State = res.State
		rep.Outcomes = res.Outcomes
		rep.Posted = res.Posted
		rep.Failed = res.Failed
		rep.Err = res.Err
	})
}

// now posts the whole queue immediately: social for every article first,
// then community for every article through one session.
func (run *Run) now(ctx context.Context, q article.Queue) {
	o := run.r.opts
	// In-flight posts finish even if ctx ends.
	postCtx := context.WithoutCancel(ctx)
	total := len(q)
	steps := 0
	if run.req.Social {
		steps += total
	}
	if run.req.Community {
		steps += total
	}

	items := make([]engine.ItemResult, total)
	for i, e := range q {
		items[i] = engine.ItemResult{Index: i, Entry: e, OK: true}
	}
	done := 0
	progress := func() {
		done++
		run.pub.Emit(eventbus.RunProgress, eventbus.Progress{Percent: done * 100 / steps, Done: done, Total: steps})
	}
	status := func(text string) {
		run.log.Info(text)
		run.pub.Emit(eventbus.RunStatus, eventbus.Status{Text: text})
	}

	var fatal error
	stopped := false

	if run.req.Social {
		status("Posting to social...")
		for i := range q {
			if run.stopRequested() || ctx.Err() != nil {
				stopped = true
				break
			}
			r := o.Poster.PostToSocial(postCtx, q[i].Article)
			items[i].Social = &r
			items[i].OK = items[i].OK && r.OK
			if !run.req.Community {
				run.finish(ctx, items[i])
			}
			progress()
		}
	}

	if run.req.Community && !stopped {
		status("Initializing community session...")
		sess, err := o.OpenSession(ctx)
		if err != nil || sess == nil {
			if err == nil {
				err = dispatch.ErrNoSession
			}
			fatal = fmt.Errorf("open community session: %w", err)
			if sess != nil {
				_ = sess.Close()
			}
		} else {
			func() {
				defer func() {
					if cerr := sess.Close(); cerr != nil {
						run.log.Warn("community session close failed", logx.Err(cerr))
					}
				}()
				status("Posting to community...")
				for i := range q {
					if run.stopRequested() || ctx.Err() != nil {
						stopped = true
						return
					}
					r := dispatch.Result{OK: true}
					if err := o.Poster.PostToCommunity(postCtx, sess, q[i].Article, o.Groups, o.Template); err != nil {
						run.log.Error("community posting failed", logx.Int("index", i), logx.String("title", q[i].Article.Title), logx.Err(err))
						r = dispatch.Result{Reason: err.Error()}
					}
					items[i].Community = &r
					items[i].OK = items[i].OK && r.OK
					run.finish(ctx, items[i])
					progress()
				}
			}()
		}
	}

	outcomes := make([]engine.Outcome, total)
	posted, failed := 0, 0
	for i, it := range items {
		attempted := (!run.req.Social || it.Social != nil) && (!run.req.Community || it.Community != nil)
		switch {
		case attempted && it.OK:
			outcomes[i] = engine.Success
			posted++
		case attempted || (fatal != nil && it.Social != nil):
			outcomes[i] = engine.Failure
			failed++
		}
	}

	run.setReport(func(rep *Report) {
		rep.Outcomes = outcomes
		rep.Posted = posted
		rep.Failed = failed
		switch {
		case fatal != nil:
			rep.State = engine.Failed
			rep.Err = fatal
		case stopped:
			rep.State = engine.Stopped
			rep.Err = engine.ErrStopped
		default:
			rep.State = engine.Completed
		}
	})

	sum := eventbus.Summary{Posted: posted, Failed: failed, Total: total}
	switch {
	case fatal != nil:
		run.log.Error("posting failed", logx.Err(fatal))
		run.pub.Emit(eventbus.RunFailed, eventbus.Failure{Reason: fatal.Error()})
	case stopped:
		status(fmt.Sprintf("Stopped: %d/%d posted", posted, total))
		run.pub.Emit(eventbus.RunStopped, sum)
	default:
		status("Posting complete")
		run.pub.Emit(eventbus.RunCompleted, sum)
	}
}

// finish publishes and journals one article's combined result.
func (run *Run) finish(ctx context.Context, it engine.ItemResult) {
	it.At = time.Now()
	ev := eventbus.Outcome{Index: it.Index, Title: it.Entry.Article.Title, OK: it.OK}
	if it.Social != nil {
		ev.Social = it.Social.String()
	}
	if it.Community != nil {
		ev.Community = it.Community.String()
	}
	run.pub.Emit(eventbus.RunOutcome, ev)
	run.journal(ctx, it)
}

func (run *Run) journal(ctx context.Context, it engine.ItemResult) {
	st := run.r.opts.Store
	if st == nil {
		return
	}
	rec := storage.OutcomeRecord{
		At:     it.At,
		RunID:  run.ID,
		Mode:   string(run.req.Mode),
		Index:  it.Index,
		Source: it.Entry.Source,
		Title:  it.Entry.Article.Title,
		Link:   it.Entry.Article.Link,
		OK:     it.OK,
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if it.Social != nil {
		rec.Social = it.Social.String()
	}
	if it.Community != nil {
		rec.Community = it.Community.String()
	}
	if err := st.AppendOutcome(context.WithoutCancel(ctx), rec); err != nil {
		run.log.Warn("outcome journal write failed", logx.Int("index", it.Index), logx.Err(err))
	}
}

// evict drops successfully posted articles from the cache and deletes the
// images they held.
func (run *Run) evict(ctx context.Context, q article.Queue) {
	o := run.r.opts
	if !o.EvictOnSuccess || o.Store == nil {
		return
	}
	rep := run.Report()
	var positions []int
	for i, out := range rep.Outcomes {
		if out == engine.Success && i < len(q) {
			positions = append(positions, q[i].Source)
		}
	}
	if len(positions) == 0 {
		return
	}
	images, err := o.Store.Evict(ctx, positions)
	if err != nil {
		run.log.Warn("cache eviction failed", logx.Err(err))
		return
	}
	for _, img := range images {
		if !isLocal(img) || img == o.Logo {
			continue
		}
		if err := o.Fs.Remove(img); err != nil && !errors.Is(err, os.ErrNotExist) {
			run.log.Warn("evicted image not removed", logx.String("path", img), logx.Err(err))
		}
	}
	run.setReport(func(r *Report) { r.Evicted = positions })
	run.log.Info("evicted posted articles from cache", logx.Int("count", len(positions)))
}

func isLocal(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	l := strings.ToLower(ref)
	return !strings.HasPrefix(l, "http://") && !strings.HasPrefix(l, "https://")
}
