package dispatch

import (
	"context"
	"errors"
)

var (
	ErrNoSocialClient = errors.New("dispatch: social client not configured")
	ErrNoSession      = errors.New("dispatch: community session not open")
	ErrChallenge      = errors.New("dispatch: bot verification challenge not cleared")
	ErrNoTargets      = errors.New("dispatch: no community targets")
)

// SocialClient is the microblogging API surface the dispatcher needs.
type SocialClient interface {
	// UploadMedia uploads a local image and returns its media id.
	UploadMedia(ctx context.Context, path string) (string, error)
	// CreatePost publishes text with optional media and returns the post id.
	CreatePost(ctx context.Context, text string, mediaIDs []string) (string, error)
}

// Session is one authenticated browser session on the community site.
// It is used by a single goroutine at a time.
type Session interface {
	// Navigate loads url and waits until the page body is ready.
	Navigate(ctx context.Context, url string) error
	PageSource(ctx context.Context) (string, error)

	// SolveChallenge attempts to tick the bot verification widget once.
	SolveChallenge(ctx context.Context) error
	// WaitChallengeCleared blocks until the widget is gone.
	WaitChallengeCleared(ctx context.Context) error

	// OpenComposer opens the group's post dialog and focuses the editor.
	OpenComposer(ctx context.Context) error
	ClearComposer(ctx context.Context) error
	ToggleBold(ctx context.Context) error
	ToggleQuote(ctx context.Context) error
	Type(ctx context.Context, text string) error
	NewParagraph(ctx context.Context) error
	AttachImage(ctx context.Context, path string) error
	Submit(ctx context.Context) error

	Close() error
}

// SessionOpener creates and authenticates a session.
type SessionOpener func(ctx context.Context) (Session, error)

// Result is the outcome of one platform attempt.
type Result struct {
	OK     bool
	Reason string
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	if r.Reason == "" {
		return "failed"
	}
	return "failed: " + r.Reason
}

func failed(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{Reason: err.Error()}
}
