package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"newsposter/internal/app"
	"newsposter/internal/config"
	"newsposter/internal/display"
	"newsposter/internal/engine"
	"newsposter/internal/runner"
	"newsposter/internal/timespec"
	logx "newsposter/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errPartial = errors.New("some articles were not posted")

type runFlags struct {
	selection string
	social    bool
	community bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.selection, "select", "s", "", "comma separated article indices from `fetch` (default: all)")
	cmd.Flags().BoolVar(&f.social, "social", false, "post to the social network")
	cmd.Flags().BoolVar(&f.community, "community", false, "post to the community groups")
}

func postCmd(cfgPath *string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post the selected articles now",
		Example: `  newsposter post --select 0,3,5 --social
  newsposter post -s 2 --social --community`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPosting(cmd, *cfgPath, f, runner.Request{Mode: runner.ModeNow})
		},
	}
	f.bind(cmd)
	return cmd
}

func scheduleCmd(cfgPath *string) *cobra.Command {
	var (
		f        runFlags
		start    string
		interval string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Post the selected articles one at a time on an interval",
		Long: `Posts one article per tick, starting at --start and then every --interval.
Start accepts "now", 21:30, 09:30PM, an RFC3339 time or "cron:<expr>".
Interval accepts minutes (5), a duration (90s) or HH:MM.
SIGINT or SIGTERM stops before the next tick; the article being posted finishes.`,
		Example: `  newsposter schedule --select 0,1,2 --social --start 09:30PM --interval 5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			sc := cfg.Schedule

			if !cmd.Flags().Changed("start") && sc.Start != "" {
				start = sc.Start
			}
			if !cmd.Flags().Changed("interval") && sc.Interval != "" {
				interval = sc.Interval
			}
			at, err := timespec.ParseStart(start, time.Now())
			if err != nil {
				return err
			}
			every, err := timespec.ParseInterval(interval)
			if err != nil {
				return err
			}
			return runPosting(cmd, *cfgPath, f, runner.Request{Mode: runner.ModeScheduled, StartAt: at, Interval: every})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&start, "start", "now", "when the first article is posted")
	cmd.Flags().StringVar(&interval, "interval", "1", "time between posts")
	return cmd
}

// runPosting builds the queue, starts the run and renders it until it ends
// or a signal stops it.
func runPosting(cmd *cobra.Command, cfgPath string, f runFlags, req runner.Request) error {
	if !f.social && !f.community {
		return runner.ErrNoPlatform
	}
	sel, err := parseSelection(f.selection)
	if err != nil {
		return err
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}
	reason := app.StopCompleted
	defer func() { _ = a.Stop(context.Background(), reason) }()

	q, err := a.Queue(ctx, sel)
	if err != nil {
		return err
	}
	req.Queue, req.Social, req.Community = q, f.social, f.community

	tty := !color.NoColor
	con := display.New(display.Options{
		Out:     cmd.OutOrStdout(),
		Color:   tty,
		Bars:    tty,
		PostBar: tty && req.Mode == runner.ModeNow,
	})
	events, unsub := a.Bus().Subscribe(1024)
	shown := make(chan struct{})
	go func() {
		defer close(shown)
		con.Run(ctx, events)
	}()
	started := false
	defer func() {
		// Let the display print the terminal event before it is cut off.
		if started {
			select {
			case <-shown:
			case <-time.After(2 * time.Second):
			}
		}
		unsub()
		<-shown
	}()

	run, err := a.StartRun(ctx, req)
	if err != nil {
		return err
	}
	started = true
	a.Log().Info("run started", logx.String("run_id", run.ID), logx.String("mode", string(req.Mode)), logx.Int("articles", len(q)))

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if req.Mode == runner.ModeScheduled {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.Log().Warn("systemd notify failed", logx.Err(err))
		} else if ok {
			a.Log().Debug("systemd notified ready")
		}
	}

wait:
	for {
		select {
		case <-run.Done():
			break wait
		case sig := <-sigs:
			if reason != app.StopCompleted {
				// A second signal cancels waits; the article being posted still finishes.
				cancel()
				continue
			}
			reason = app.StopSIGINT
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
			a.Log().Info("stop requested", logx.String("signal", sig.String()))
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			run.Stop()
		}
	}

	rep := run.Report()
	switch {
	case rep.State == engine.Failed:
		reason = app.StopFatal
		return rep.Err
	case rep.State == engine.Stopped:
		return nil
	case rep.Failed > 0:
		return fmt.Errorf("%w: %d of %d", errPartial, rep.Failed, len(q))
	}
	return nil
}

// parseSelection reads "0,3,5" or ranges like "2-4". Empty selects all.
func parseSelection(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || a < 0 {
			return nil, fmt.Errorf("bad index %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, fmt.Errorf("bad range %q", part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty selection %q", raw)
	}
	return out, nil
}
