// Package community drives the Q&A community site through a headless Chrome
// session.
package community

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"newsposter/internal/dispatch"
	logx "newsposter/pkg/logx"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	DefaultHomeURL = "https://www.quora.com/"

	defaultPageTimeout  = 60 * time.Second
	defaultLoginSettle  = 10 * time.Second
	defaultUploadSettle = 30 * time.Second
	challengeSettle     = 5 * time.Second
)

// Page selectors. XPath ones are evaluated with chromedp.BySearch.
const (
	selEmail        = `input[name="email"]`
	selPassword     = `input[name="password"]`
	selPrimary      = `//button[contains(@class, "qu-bg--blue")]`
	selComposer     = `//div[contains(text(), "Post in ")]`
	selEditor       = `//div[@contenteditable="true"]`
	selFileInput    = `input[type="file"]`
	selChallenge    = `.cf-turnstile`
	selChallengeBox = `.cf-turnstile input[type="checkbox"]`
)

var ErrLogin = errors.New("community: login failed")

type Config struct {
	HomeURL    string
	Email      string
	Password   string
	Headless   bool
	ChromePath string

	PageTimeout time.Duration
	// LoginSettle is how long to wait after submitting the login form.
	LoginSettle time.Duration
	// UploadSettle is how long to wait for an attached image to upload.
	UploadSettle time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.HomeURL) == "" {
		c.HomeURL = DefaultHomeURL
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = defaultPageTimeout
	}
	if c.LoginSettle <= 0 {
		c.LoginSettle = defaultLoginSettle
	}
	if c.UploadSettle <= 0 {
		c.UploadSettle = defaultUploadSettle
	}
	return c
}

func (c Config) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", c.Headless),
		chromedp.Flag("start-maximized", true),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if p := strings.TrimSpace(c.ChromePath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	return opts
}

// Session is one browser with one tab. It implements dispatch.Session.
type Session struct {
	cfg Config
	log logx.Logger

	ctx         context.Context // tab
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var _ dispatch.Session = (*Session)(nil)

// Open starts the browser, loads the home page and logs in. On a login
// failure it returns the started session together with the error; the
// caller still owns it and must Close it.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "community"))

	// The browser lives until Close, not until the caller's ctx ends.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), cfg.allocatorOptions()...)
	tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		log.Debug("chromedp: " + fmt.Sprintf(format, args...))
	}))
	s := &Session{cfg: cfg, log: log, ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}

	log.Info("starting browser", logx.Bool("headless", cfg.Headless))
	if err := s.run(ctx, cfg.PageTimeout, chromedp.Navigate(cfg.HomeURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return s, fmt.Errorf("community: open %s: %w", cfg.HomeURL, err)
	}
	if err := s.login(ctx); err != nil {
		return s, err
	}
	log.Info("logged in")
	return s, nil
}

// Opener adapts Open to dispatch.SessionOpener.
func Opener(cfg Config, log logx.Logger) dispatch.SessionOpener {
	return func(ctx context.Context) (dispatch.Session, error) {
		s, err := Open(ctx, cfg, log)
		if s == nil {
			return nil, err
		}
		return s, err
	}
}

func (s *Session) login(ctx context.Context) error {
	if s.cfg.Email == "" || s.cfg.Password == "" {
		return fmt.Errorf("%w: email and password are required", ErrLogin)
	}
	err := s.run(ctx, s.cfg.PageTimeout+s.cfg.LoginSettle,
		chromedp.WaitVisible(selEmail, chromedp.ByQuery),
		chromedp.SendKeys(selEmail, s.cfg.Email, chromedp.ByQuery),
		chromedp.SendKeys(selPassword, s.cfg.Password, chromedp.ByQuery),
		chromedp.Click(selPrimary, chromedp.BySearch, chromedp.NodeVisible),
		chromedp.Sleep(s.cfg.LoginSettle),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLogin, err)
	}
	return nil
}

// run executes actions on the tab. It stops when ctx ends or after timeout
// (0: no extra bound) without closing the tab.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	c, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		c, tcancel = context.WithTimeout(c, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(c, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.log.Info("navigating", logx.String("url", url))
	return s.run(ctx, 0, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (s *Session) PageSource(ctx context.Context) (string, error) {
	var src string
	err := s.run(ctx, 0, chromedp.OuterHTML("html", &src, chromedp.ByQuery))
	return src, err
}

func (s *Session) SolveChallenge(ctx context.Context) error {
	return s.run(ctx, 0,
		chromedp.Click(selChallengeBox, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Sleep(challengeSettle),
	)
}

func (s *Session) WaitChallengeCleared(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.WaitNotPresent(selChallenge, chromedp.ByQuery))
}

func (s *Session) OpenComposer(ctx context.Context) error {
	return s.run(ctx, 0,
		chromedp.Click(selComposer, chromedp.BySearch, chromedp.NodeVisible),
		chromedp.Click(selEditor, chromedp.BySearch, chromedp.NodeVisible),
	)
}

func (s *Session) ClearComposer(ctx context.Context) error {
	return s.run(ctx, 0,
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Delete),
	)
}

func (s *Session) ToggleBold(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.KeyEvent("b", chromedp.KeyModifiers(input.ModifierCtrl)))
}

func (s *Session) ToggleQuote(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.KeyEvent("9", chromedp.KeyModifiers(input.ModifierCtrl, input.ModifierShift)))
}

func (s *Session) Type(ctx context.Context, text string) error {
	return s.run(ctx, 0, chromedp.KeyEvent(text))
}

func (s *Session) NewParagraph(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.KeyEvent(kb.Enter))
}

// AttachImage hands path to the composer's file input and waits for the
// upload to settle.
func (s *Session) AttachImage(ctx context.Context, path string) error {
	s.log.Info("uploading image", logx.String("path", path))
	return s.run(ctx, 0,
		chromedp.SetUploadFiles(selFileInput, []string{path}, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.UploadSettle),
	)
}

func (s *Session) Submit(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.Click(selPrimary, chromedp.BySearch, chromedp.NodeVisible))
}

// Close quits the browser. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
		if errors.Is(s.closeErr, context.Canceled) {
			s.closeErr = nil
		}
		s.log.Info("browser closed")
	})
	return s.closeErr
}
