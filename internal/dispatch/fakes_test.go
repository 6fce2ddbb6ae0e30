package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type fakeSocial struct {
	mu        sync.Mutex
	uploads   []string
	posts     []string
	media     [][]string
	uploadErr error
	postErr   error
	panicMsg  string
}

func (f *fakeSocial) UploadMedia(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return "m" + path, nil
}

func (f *fakeSocial) CreatePost(_ context.Context, text string, media []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, text)
	f.media = append(f.media, media)
	return "p1", nil
}

// fakeSession records every call as a short token.
type fakeSession struct {
	mu    sync.Mutex
	calls []string

	page        string
	solveErrs   []error // consumed per attempt
	navigateErr map[string]error
	attachErr   error
	submitErr   error
	closed      int
}

func (f *fakeSession) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.record("nav:" + url)
	if err := f.navigateErr[url]; err != nil {
		return err
	}
	return nil
}

func (f *fakeSession) PageSource(context.Context) (string, error) { return f.page, nil }

func (f *fakeSession) SolveChallenge(context.Context) error {
	f.record("solve")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.solveErrs) == 0 {
		return nil
	}
	err := f.solveErrs[0]
	f.solveErrs = f.solveErrs[1:]
	return err
}

func (f *fakeSession) WaitChallengeCleared(context.Context) error {
	f.record("cleared")
	return nil
}

func (f *fakeSession) OpenComposer(context.Context) error  { f.record("open"); return nil }
func (f *fakeSession) ClearComposer(context.Context) error { f.record("clear"); return nil }
func (f *fakeSession) ToggleBold(context.Context) error    { f.record("bold"); return nil }
func (f *fakeSession) ToggleQuote(context.Context) error   { f.record("quote"); return nil }
func (f *fakeSession) NewParagraph(context.Context) error  { f.record("enter"); return nil }

func (f *fakeSession) Type(_ context.Context, text string) error {
	f.record("type:" + text)
	return nil
}

func (f *fakeSession) AttachImage(_ context.Context, path string) error {
	f.record("attach:" + path)
	return f.attachErr
}

func (f *fakeSession) Submit(context.Context) error {
	f.record("submit")
	return f.submitErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) joined() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, "|")
}

var errBoom = errors.New("boom")
