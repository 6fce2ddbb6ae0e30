package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"newsposter/internal/eventbus"
	rtsup "newsposter/internal/runtime/supervisor"
	kit "newsposter/internal/transport"
	logx "newsposter/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type item struct {
	n   kit.Notification
	key string
}

// outbox is one Start..Stop lifetime of the delivery pipeline.
type outbox struct {
	ch      chan item
	sup     *rtsup.Supervisor
	enqueue  sync.WaitGroup // Notify calls that passed the open check
	closing  bool
	stopping chan struct{} // closed when Stop begins
	drained  chan struct{}
}

// Service delivers notifications asynchronously. It is safe for concurrent
// use.
type Service struct {
	cfg     Config
	sender  kit.Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	seen    *dedupCache

	mu  sync.Mutex
	box *outbox
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		seen:    newDedupCache(cfg.DedupWindow, cfg.DedupMaxEntries),
	}
}

// running returns the open pipeline, or nil.
func (s *Service) running() *outbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.box == nil || s.box.closing {
		return nil
	}
	return s.box
}

// Start opens the queue and starts the workers. It is a no-op when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.box != nil {
		return
	}
	box := &outbox{
		ch:      make(chan item, s.cfg.QueueSize),
		sup:      rtsup.New(ctx, rtsup.WithLogger(s.log)),
		stopping: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	for i := range s.cfg.Workers {
		box.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.work(c, box.ch)
		})
	}
	s.box = box
}

// Stop refuses new notifications and delivers the queued ones until ctx
// ends; whatever is left then is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	box := s.box
	if box == nil {
		s.mu.Unlock()
		return
	}
	first := !box.closing
	box.closing = true
	s.mu.Unlock()

	if first {
		close(box.stopping)
		go func() {
			box.enqueue.Wait()
			close(box.ch)
			_ = box.sup.Wait(context.Background())
			s.mu.Lock()
			if s.box == box {
				s.box = nil
			}
			s.mu.Unlock()
			close(box.drained)
		}()
	}

	select {
	case <-box.drained:
	case <-ctx.Done():
		box.sup.Cancel()
	}
}

// Notify queues n. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	box := s.box
	if box == nil || box.closing {
		s.mu.Unlock()
		return ErrStopped
	}
	box.enqueue.Add(1)
	s.mu.Unlock()
	defer box.enqueue.Done()

	it := item{n: n, key: dedupKey(n)}
	if !s.seen.allow(it.key, time.Now()) {
		s.publish(EventDeduped, it, 0, nil)
		return nil
	}
	select {
	case box.ch <- it:
		s.publish(EventQueued, it, 0, nil)
		return nil
	default:
		s.publish(EventDropped, it, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// work delivers until the queue is closed (nil) or ctx ends.
func (s *Service) work(ctx context.Context, ch <-chan item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok := <-ch:
			if !ok {
				return nil
			}
			s.deliver(ctx, it)
		}
	}
}

func (s *Service) deliver(ctx context.Context, it item) {
	if s.sender == nil {
		return
	}
	text := priorityTag(it.n.Priority) + it.n.Text
	attempts := 1 + s.cfg.RetryMax

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		_, err = s.sender.SendText(callCtx, it.n.Target, text, it.n.Options)
		cancel()
		if err == nil {
			s.publish(EventSent, it, attempt, nil)
			return
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt), logx.Int("of", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(backoff(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification dropped", logx.Int("attempts", attempts), logx.Err(err))
	s.publish(EventFailed, it, attempts, err)
}

func (s *Service) publish(typ string, it item, attempts int, err error) {
	if s.bus == nil {
		return
	}
	d := Delivery{ChatID: it.n.Target.ChatID, ThreadID: it.n.Target.ThreadID, Key: it.key, Attempts: attempts}
	if err != nil {
		d.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: d})
}

func priorityTag(p int) string {
	switch {
	case p >= 9:
		return "\U0001F6A8 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	}
	return ""
}

// dedupKey is empty for notifications without a channel, which are never
// deduplicated.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}

// backoff is the wait before attempt+1: exponential from RetryBase, capped at
// RetryMaxDelay, with +/-30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 20)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// dedupCache remembers keys until their window passes.
type dedupCache struct {
	window time.Duration
	max    int

	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache(window time.Duration, max int) *dedupCache {
	return &dedupCache{window: window, max: max, until: map[string]time.Time{}}
}

// allow reports whether key may be sent now and, if so, starts its window.
func (c *dedupCache) allow(key string, now time.Time) bool {
	if c.window <= 0 || key == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.until[key]; ok && now.Before(t) {
		return false
	}
	for k, t := range c.until {
		if !now.Before(t) {
			delete(c.until, k)
		}
	}
	// Full: forget the entry closest to expiry.
	if len(c.until) >= c.max {
		var oldest string
		for k, t := range c.until {
			if oldest == "" || t.Before(c.until[oldest]) {
				oldest = k
			}
		}
		delete(c.until, oldest)
	}
	c.until[key] = now.Add(c.window)
	return true
}
