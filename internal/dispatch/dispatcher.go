package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"newsposter/internal/article"
	logx "newsposter/pkg/logx"
)

// MaxSocialLength is the hard cap on a social post, in characters.
const MaxSocialLength = 280

const (
	DefaultPace             = 500 * time.Microsecond
	DefaultPageTimeout      = 60 * time.Second
	DefaultChallengeTimeout = 10 * time.Second
	DefaultUploadTimeout    = 45 * time.Second

	challengeAttempts = 2
)

type Options struct {
	Social SocialClient

	// Pace is the delay between typed characters. Zero types each block at once.
	Pace             time.Duration
	PageTimeout      time.Duration
	ChallengeTimeout time.Duration
	UploadTimeout    time.Duration

	Log logx.Logger
}

// Dispatcher holds the platform clients and timing. It keeps no per-run state.
type Dispatcher struct {
	social SocialClient

	pace             time.Duration
	pageTimeout      time.Duration
	challengeTimeout time.Duration
	uploadTimeout    time.Duration

	log logx.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		social:           opts.Social,
		pace:             opts.Pace,
		pageTimeout:      opts.PageTimeout,
		challengeTimeout: opts.ChallengeTimeout,
		uploadTimeout:    opts.UploadTimeout,
		log:              opts.Log,
	}
	if d.pace < 0 {
		d.pace = 0
	}
	if d.pageTimeout <= 0 {
		d.pageTimeout = DefaultPageTimeout
	}
	if d.challengeTimeout <= 0 {
		d.challengeTimeout = DefaultChallengeTimeout
	}
	if d.uploadTimeout <= 0 {
		d.uploadTimeout = DefaultUploadTimeout
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// SocialMessage is the post text: title and link, cut to MaxSocialLength.
func SocialMessage(a article.Article) string {
	msg := a.Title + " " + a.Link
	if utf8.RuneCountInString(msg) <= MaxSocialLength {
		return msg
	}
	r := []rune(msg)
	return string(r[:MaxSocialLength])
}

// PostToSocial posts a to the social platform. It never panics and never
// returns an error; failures are reported in the Result.
func (d *Dispatcher) PostToSocial(ctx context.Context, a article.Article) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("social post panicked", logx.String("title", a.Title), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = Result{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	if d.social == nil {
		return failed(ErrNoSocialClient)
	}

	text := SocialMessage(a)
	var media []string
	if a.HasImage() {
		id, err := d.social.UploadMedia(ctx, a.Image)
		if err != nil {
			d.log.Error("social media upload failed", logx.String("title", a.Title), logx.String("image", a.Image), logx.Err(err))
			return failed(fmt.Errorf("upload media: %w", err))
		}
		media = []string{id}
	}
	id, err := d.social.CreatePost(ctx, text, media)
	if err != nil {
		d.log.Error("social post failed", logx.String("title", a.Title), logx.Err(err))
		return failed(fmt.Errorf("create post: %w", err))
	}
	d.log.Info("posted to social", logx.String("title", a.Title), logx.String("post_id", id))
	return Result{OK: true}
}

// PostToCommunity posts a to every group in order through one session. It
// stops at and returns the first failing group.
func (d *Dispatcher) PostToCommunity(ctx context.Context, s Session, a article.Article, groups []string, tmpl *Template) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("community post panicked", logx.String("title", a.Title), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s == nil {
		return ErrNoSession
	}
	if len(groups) == 0 {
		return ErrNoTargets
	}
	closing, err := tmpl.Render(a)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := d.postToGroup(ctx, s, a, g, closing); err != nil {
			d.log.Error("community post failed", logx.String("title", a.Title), logx.String("group", g), logx.Err(err))
			return fmt.Errorf("group %s: %w", g, err)
		}
		d.log.Info("posted to community", logx.String("title", a.Title), logx.String("group", g))
	}
	return nil
}

func (d *Dispatcher) postToGroup(ctx context.Context, s Session, a article.Article, group, closing string) error {
	if err := d.bounded(ctx, d.pageTimeout, func(c context.Context) error { return s.Navigate(c, group) }); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := d.clearChallenge(ctx, s); err != nil {
		return err
	}
	if err := d.bounded(ctx, d.pageTimeout, s.OpenComposer); err != nil {
		return fmt.Errorf("open composer: %w", err)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clear", s.ClearComposer},
		{"title", d.styled(s, s.ToggleBold, a.Title)},
		{"summary", d.styled(s, s.ToggleQuote, strings.Trim(a.Summary, "[]"))},
		{"story", d.paragraph(s, a.FullStory, 1)},
		{"link", d.paragraph(s, a.Link, 1)},
	}
	if closing != "" {
		steps = append(steps, struct {
			name string
			fn   func(context.Context) error
		}{"template", d.paragraph(s, closing, 1)})
	}
	for _, st := range steps {
		if err := st.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}

	if a.HasImage() {
		err := d.bounded(ctx, d.uploadTimeout, func(c context.Context) error { return s.AttachImage(c, a.Image) })
		if err != nil {
			d.log.Warn("community image upload failed; posting without it", logx.String("title", a.Title), logx.String("image", a.Image), logx.Err(err))
		}
	}

	if err := d.bounded(ctx, d.pageTimeout, s.Submit); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// clearChallenge tries the solving action at most twice, then waits for the
// widget to disappear.
func (d *Dispatcher) clearChallenge(ctx context.Context, s Session) error {
	src, err := s.PageSource(ctx)
	if err != nil {
		return fmt.Errorf("page source: %w", err)
	}
	if !HasChallenge(src) {
		return nil
	}
	d.log.Info("bot verification detected; attempting to solve")

	var lastErr error
	for attempt := 1; attempt <= challengeAttempts; attempt++ {
		lastErr = d.bounded(ctx, d.challengeTimeout, s.SolveChallenge)
		if lastErr == nil {
			break
		}
		d.log.Warn("bot verification attempt failed", logx.Int("attempt", attempt), logx.Err(lastErr))
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrChallenge, lastErr)
	}
	if err := d.bounded(ctx, d.pageTimeout, s.WaitChallengeCleared); err != nil {
		return fmt.Errorf("%w: %w", ErrChallenge, err)
	}
	return nil
}

// HasChallenge reports whether a page shows a bot verification widget.
func HasChallenge(pageSource string) bool {
	low := strings.ToLower(pageSource)
	return strings.Contains(low, "turnstile") || strings.Contains(low, "verify you are human")
}

// styled types text between two toggles of a format and ends the block with
// an empty line.
func (d *Dispatcher) styled(s Session, toggle func(context.Context) error, text string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := toggle(ctx); err != nil {
			return err
		}
		if err := d.typeText(ctx, s, text); err != nil {
			return err
		}
		if err := toggle(ctx); err != nil {
			return err
		}
		return newParagraphs(ctx, s, 2)
	}
}

func (d *Dispatcher) paragraph(s Session, text string, breaks int) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := d.typeText(ctx, s, text); err != nil {
			return err
		}
		return newParagraphs(ctx, s, breaks)
	}
}

func newParagraphs(ctx context.Context, s Session, n int) error {
	for i := 0; i < n; i++ {
		if err := s.NewParagraph(ctx); err != nil {
			return err
		}
	}
	return nil
}

// typeText types one rune at a time with d.pace in between.
func (d *Dispatcher) typeText(ctx context.Context, s Session, text string) error {
	if text == "" {
		return nil
	}
	if d.pace <= 0 {
		return s.Type(ctx, text)
	}
	t := time.NewTimer(0)
	defer t.Stop()
	<-t.C
	for i, r := range text {
		if i > 0 {
			t.Reset(d.pace)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := s.Type(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(c)
}
