// Package imageprep downloads, watermarks and stores the image of every
// queued article before a run starts posting.
package imageprep

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"newsposter/internal/article"
	"newsposter/internal/eventbus"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	"github.com/spf13/afero"
)

// ErrFailed wraps every unrecoverable preprocessing error. A run that got it
// must not post.
var ErrFailed = errors.New("image preprocessing failed")

type Options struct {
	// Logo is a local path or URL of the watermark. It is also the image
	// reference used when an article's own image cannot be loaded.
	Logo      string
	OutputDir string

	Fs         afero.Fs     // nil: OS filesystem
	HTTPClient *http.Client // nil: client with Timeout
	Timeout    time.Duration
	UserAgent  string

	// Store receives the rewritten image references keyed by cache position.
	// Nil skips the cache update.
	Store storage.Store

	Events eventbus.Publisher
	Log    logx.Logger
}

type Preprocessor struct {
	opts   Options
	loader loader
	log    logx.Logger
}

func New(opts Options) *Preprocessor {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		opts.OutputDir = "downloaded_images"
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Preprocessor{
		opts:   opts,
		loader: loader{fs: opts.Fs, client: opts.HTTPClient, ua: opts.UserAgent},
		log:    log.With(logx.String("comp", "imageprep")),
	}
}

// OutputPath is where the composite of queue position i is written.
func (p *Preprocessor) OutputPath(i int) string {
	return filepath.Join(p.opts.OutputDir, fmt.Sprintf("article_%d.png", i))
}

// Run processes q and returns a copy whose image references point at the
// written composites. It emits prep.progress after every article and exactly
// one of prep.completed or prep.failed.
func (p *Preprocessor) Run(ctx context.Context, q article.Queue) (article.Queue, error) {
	out := q.Clone()
	if len(out) == 0 {
		p.opts.Events.Emit(eventbus.PrepCompleted, eventbus.Progress{Percent: 100})
		return out, nil
	}

	if err := p.run(ctx, out); err != nil {
		err = fmt.Errorf("%w: %w", ErrFailed, err)
		p.log.Error("image preprocessing failed", logx.Err(err))
		p.opts.Events.Emit(eventbus.PrepFailed, eventbus.Failure{Reason: err.Error()})
		return nil, err
	}
	p.opts.Events.Emit(eventbus.PrepCompleted, eventbus.Progress{Percent: 100, Done: len(out), Total: len(out)})
	return out, nil
}

func (p *Preprocessor) run(ctx context.Context, q article.Queue) error {
	if err := p.opts.Fs.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return err
	}

	var (
		logo       image.Image
		logoLoaded bool
	)
	total := len(q)
	for i := range q {
		if err := ctx.Err(); err != nil {
			return err
		}
		a := &q[i].Article
		if a.HasImage() {
			if p.isPrepared(a.Image) {
				p.log.Debug("image already prepared", logx.Int("index", i), logx.String("path", a.Image))
			} else {
				if !logoLoaded {
					logo = p.loadLogo(ctx)
					logoLoaded = true
				}
				ref, err := p.prepare(ctx, i, a, logo)
				if err != nil {
					return err
				}
				a.Image = ref
			}
		}
		done := i + 1
		p.opts.Events.Emit(eventbus.PrepProgress, eventbus.Progress{Percent: done * 100 / total, Done: done, Total: total})
	}
	return p.updateCache(ctx, q)
}

// isPrepared reports whether ref is a local file already inside OutputDir,
// or the logo fallback from an earlier pass.
func (p *Preprocessor) isPrepared(ref string) bool {
	if ref == p.opts.Logo {
		return true
	}
	if isRemote(ref) {
		return false
	}
	if filepath.Clean(filepath.Dir(ref)) != filepath.Clean(p.opts.OutputDir) {
		return false
	}
	ok, err := afero.Exists(p.opts.Fs, ref)
	return err == nil && ok
}

func (p *Preprocessor) loadLogo(ctx context.Context) image.Image {
	if strings.TrimSpace(p.opts.Logo) == "" {
		p.log.Warn("no logo configured; images are saved without a watermark")
		return nil
	}
	logo, err := p.loader.load(ctx, p.opts.Logo)
	if err != nil {
		p.log.Warn("logo unavailable; images are saved without a watermark", logx.String("logo", p.opts.Logo), logx.Err(err))
		return nil
	}
	return logo
}

// prepare returns the new image reference for one article.
func (p *Preprocessor) prepare(ctx context.Context, i int, a *article.Article, logo image.Image) (string, error) {
	src, err := p.loader.load(ctx, a.Image)
	if err != nil {
		p.log.Warn("image unavailable; using blank canvas", logx.Int("index", i), logx.String("title", a.Title), logx.String("image", a.Image), logx.Err(err))
	}
	c := Compose(src, logo)
	if c.Blank {
		// Nothing of the article survives in a blank composite; point at the
		// logo instead.
		p.log.Warn("image replaced by logo", logx.Int("index", i), logx.String("title", a.Title), logx.String("logo", p.opts.Logo))
		return p.opts.Logo, nil
	}
	if logo != nil && !c.Watermarked {
		p.log.Warn("logo does not fit; saved without watermark", logx.Int("index", i), logx.String("title", a.Title))
	}

	path := p.OutputPath(i)
	if err := p.writePNG(path, c.Image); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	p.log.Info("image prepared", logx.Int("index", i), logx.String("path", path), logx.Bool("watermarked", c.Watermarked))
	return path, nil
}

func (p *Preprocessor) writePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := p.opts.Fs.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = p.opts.Fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = p.opts.Fs.Remove(tmp)
		return err
	}
	return p.opts.Fs.Rename(tmp, path)
}

func (p *Preprocessor) updateCache(ctx context.Context, q article.Queue) error {
	if p.opts.Store == nil {
		return nil
	}
	images := make(map[int]string, len(q))
	for _, e := range q {
		if e.Article.HasImage() {
			images[e.Source] = e.Article.Image
		}
	}
	skipped, err := p.opts.Store.UpdateImages(ctx, images)
	if err != nil {
		return fmt.Errorf("update article cache: %w", err)
	}
	for _, pos := range skipped {
		p.log.Warn("article cache has no entry for source index", logx.Int("source", pos))
	}
	return nil
}
