package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"newsposter/internal/adapters/telegram"
	"newsposter/internal/article"
	"newsposter/internal/config"
	"newsposter/internal/dispatch"
	"newsposter/internal/eventbus"
	"newsposter/internal/feed"
	"newsposter/internal/imageprep"
	"newsposter/internal/notifier"
	"newsposter/internal/platform/community"
	"newsposter/internal/platform/social"
	"newsposter/internal/runner"
	"newsposter/internal/runtime/supervisor"
	"newsposter/internal/storage"
	kit "newsposter/internal/transport"
	logx "newsposter/pkg/logx"
)

var ErrSocialNotConfigured = errors.New("social posting needs api_key, api_secret, access_token and access_token_secret")

// App wires the configured collaborators around one runner.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sup   *supervisor.Supervisor

	social   *social.Client
	dispatch *dispatch.Dispatcher
	prep     *imageprep.Preprocessor
	source   feed.Source
	runner   *runner.Runner

	notif    *notifier.Service
	notifyTo kit.ChatTarget
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a, err := build(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Debug("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.source = feed.Source{
		Fetcher: feed.NewFetcher(fc, nil, log),
		Store:   a.store,
		Log:     log,
	}

	// Social credentials are optional until a run asks for the platform.
	scfg, err := mapSocialConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if sc, err := social.New(scfg, social.WithLogger(log)); err == nil {
		a.social = sc
	} else if !errors.Is(err, social.ErrMissingCredentials) {
		return nil, a.abort(err)
	}

	dopts, err := mapDispatchOptions(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if a.social != nil {
		dopts.Social = a.social
	}
	dopts.Log = log
	a.dispatch = dispatch.New(dopts)

	ccfg, err := mapCommunityConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}

	tmpl, err := dispatch.ParseTemplate(cfg.Template)
	if err != nil {
		return nil, a.abort(fmt.Errorf("template: %w", err))
	}

	timeout, err := config.DurationOr("images.download_timeout", cfg.Images.DownloadTimeout, 300*time.Second)
	if err != nil {
		return nil, a.abort(err)
	}
	a.prep = imageprep.New(imageprep.Options{
		Logo:       cfg.Images.Logo,
		OutputDir:  cfg.Images.OutputDir,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
		UserAgent:  fc.UserAgent,
		Store:      a.store,
		Events:     eventbus.Publisher{Bus: a.bus},
		Log:        log,
	})

	a.runner = runner.New(runner.Options{
		Prep:           a.prep,
		Poster:         a.dispatch,
		OpenSession:    community.Opener(ccfg, log),
		Groups:         cfg.Community.Groups,
		Template:       tmpl,
		Store:          a.store,
		EvictOnSuccess: cfg.Cache.EvictOnSuccess,
		Logo:           cfg.Images.Logo,
		Bus:            a.bus,
		Log:            log,
	})

	if err := a.buildNotifier(cfg, log); err != nil {
		return nil, a.abort(err)
	}
	return a, nil
}

func (a *App) buildNotifier(cfg *config.Config, log logx.Logger) error {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil || !ncfg.Enabled {
		return err
	}
	nc := cfg.Notifier
	ad, err := telegram.New(telegram.Config{Token: nc.Token}, log)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	a.notif = notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), a.bus)
	a.notifyTo = kit.ChatTarget{ChatID: nc.ChatID, ThreadID: nc.ThreadID}
	return nil
}

func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) ConfigManager() *config.Manager { return a.cfgm }
func (a *App) Log() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Source() feed.Source { return a.source }
func (a *App) Runner() *runner.Runner { return a.runner }
func (a *App) Notifier() *notifier.Service { return a.notif }

// LogPath is the JSON log file, or "" when file logging is off.
func (a *App) LogPath() string {
	if a.logs == nil {
		return ""
	}
	return a.logs.FilePath()
}

// Start launches the background observers: the notifier (when enabled)
// and the event log.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// The notifier keeps its own lifetime so Stop can drain it before the
	// supervisor is cancelled.
	if a.notif != nil {
		a.notif.Start(context.WithoutCancel(ctx))
		a.notif.Watch(a.bus, a.notifyTo)
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		logEvents(c, events, a.log.With(logx.String("comp", "events")))
	})

	a.log.Debug("app started")
	return nil
}

// Queue builds a posting queue from the cached fetch. Indices refer to the
// listing printed by `newsposter fetch`.
func (a *App) Queue(ctx context.Context, selected []int) (article.Queue, error) {
	all, err := a.source.Load(ctx, true, nil)
	if err != nil {
		if errors.Is(err, storage.ErrNoCache) {
			return nil, fmt.Errorf("%w: run `newsposter fetch` first", err)
		}
		return nil, err
	}
	if len(selected) == 0 {
		return article.FromArticles(all)
	}
	return article.NewQueue(all, selected)
}

// StartRun checks that the requested platforms are usable, then starts the
// run.
func (a *App) StartRun(ctx context.Context, req runner.Request) (*runner.Run, error) {
	if req.Social && a.social == nil {
		return nil, ErrSocialNotConfigured
	}
	if req.Community && len(a.cfg.Community.Groups) == 0 {
		return nil, fmt.Errorf("%w: community.groups is empty", dispatch.ErrNoTargets)
	}
	return a.runner.Start(ctx, req)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Debug("stopping", logx.String("reason", string(reason)))

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("notifier", 3*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		return a.sup.Stop(c)
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Debug("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

// logEvents mirrors run events into the log file so a detached scheduled
// run leaves a trail.
func logEvents(ctx context.Context, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("event", e.Type)}
			if e.RunID != "" {
				fields = append(fields, logx.String("run_id", e.RunID))
			}
			switch d := e.Data.(type) {
			case eventbus.Outcome:
				fields = append(fields, logx.Int("index", d.Index), logx.String("title", d.Title), logx.Bool("ok", d.OK))
				if d.Social != "" {
					fields = append(fields, logx.String("social", d.Social))
				}
				if d.Community != "" {
					fields = append(fields, logx.String("community", d.Community))
				}
				if d.OK {
					log.Info("item posted", fields...)
				} else {
					log.Warn("item failed", fields...)
				}
			case eventbus.Failure:
				log.Error("run failed", append(fields, logx.String("reason", d.Reason))...)
			case eventbus.Summary:
				log.Info("run finished", append(fields, logx.Int("posted", d.Posted), logx.Int("failed", d.Failed), logx.Int("total", d.Total))...)
			case eventbus.StateChange:
				log.Debug("run state", append(fields, logx.String("from", d.From), logx.String("to", d.To))...)
			case eventbus.NextTick:
				log.Info("next post", append(fields, logx.Time("at", d.At))...)
			case eventbus.Status:
				if strings.TrimSpace(d.Text) != "" {
					log.Debug("run status", append(fields, logx.String("text", d.Text))...)
				}
			}
		}
	}
}
