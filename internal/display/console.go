// Package display renders run events on a terminal.
package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"newsposter/internal/eventbus"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type Options struct {
	Out   io.Writer
	Color bool
	// Bars draws progress bars for short phases: image preprocessing and
	// tracked steps such as a feed fetch.
	Bars bool
	// PostBar draws a progress bar for posting. Use it for short runs; a
	// scheduled run prints one line per event instead.
	PostBar bool
	// Now is used for countdowns. Nil means time.Now.
	Now func() time.Time
}

// Console prints one run's events. Lines that arrive while a bar is drawn
// are held back and printed when the bar finishes.
type Console struct {
	opts Options

	ok, bad, warn, dim *color.Color

	progress *mpb.Progress
	bar      *mpb.Bar
	barName  string
	held     []string
}

func New(opts Options) *Console {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Console{
		opts: opts,
		ok:   color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
	}
	if !opts.Color {
		for _, col := range []*color.Color{c.ok, c.bad, c.warn, c.dim} {
			col.DisableColor()
		}
	}
	return c
}

// Run consumes events until a terminal run event, the channel closes or ctx
// ends.
func (c *Console) Run(ctx context.Context, events <-chan eventbus.Event) {
	defer c.endBar(false)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if c.handle(ctx, e) {
				return
			}
		}
	}
}

// handle renders one event and reports whether the run is over.
func (c *Console) handle(ctx context.Context, e eventbus.Event) bool {
	switch d := e.Data.(type) {
	case eventbus.Progress:
		switch e.Type {
		case eventbus.PrepProgress:
			c.progressTo(ctx, "Images", c.opts.Bars, d.Percent)
		case eventbus.PrepCompleted:
			if c.barName == "Images" {
				c.progressTo(ctx, "Images", true, 100)
				c.endBar(true)
			}
			c.line(c.dim.Sprint("Images ready"))
		case eventbus.RunProgress:
			if c.barName == "Images" {
				c.endBar(true)
			}
			c.progressTo(ctx, "Posting", c.opts.PostBar, d.Percent)
			if c.bar == nil {
				c.line(c.dim.Sprintf("Progress %d%% (%d/%d)", d.Percent, d.Done, d.Total))
			}
		}
	case eventbus.Status:
		c.line(c.dim.Sprint(d.Text))
	case eventbus.Outcome:
		c.line(FormatOutcome(c.ok, c.bad, d))
	case eventbus.NextTick:
		c.line(FormatNextTick(d, c.opts.Now()))
	case eventbus.Failure:
		if e.Type == eventbus.PrepFailed {
			c.endBar(false)
			c.line(c.bad.Sprint("Image preprocessing failed: " + d.Reason))
			return false
		}
		c.endBar(false)
		c.line(c.bad.Sprint("Error: " + d.Reason))
		return e.Type == eventbus.RunFailed
	case eventbus.Summary:
		c.endBar(e.Type == eventbus.RunCompleted)
		switch e.Type {
		case eventbus.RunCompleted:
			col := c.ok
			if d.Failed > 0 {
				col = c.warn
			}
			c.line(col.Sprintf("Done: %d posted, %d failed of %d", d.Posted, d.Failed, d.Total))
		case eventbus.RunStopped:
			c.line(c.warn.Sprintf("Stopped: %d posted, %d failed of %d", d.Posted, d.Failed, d.Total))
		}
		return true
	}
	return false
}

// Track reports a step outside a run. update prints a percentage line when
// bars are off; done finishes the bar.
func (c *Console) Track(ctx context.Context, name string) (update func(pct int), done func(ok bool)) {
	last := -1
	update = func(pct int) {
		if c.opts.Bars {
			c.progressTo(ctx, name, true, pct)
			return
		}
		// One line per quarter.
		if last < 0 || pct/25 > last/25 {
			last = pct
			c.line(c.dim.Sprintf("%s %d%%", name, pct))
		}
	}
	return update, c.endBar
}

func (c *Console) progressTo(ctx context.Context, name string, enabled bool, pct int) {
	if !enabled {
		return
	}
	if c.bar == nil || c.barName != name {
		c.endBar(true)
		c.progress = mpb.NewWithContext(ctx, mpb.WithOutput(c.opts.Out), mpb.WithWidth(48))
		c.bar = c.progress.New(100,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
			),
		)
		c.barName = name
	}
	c.bar.SetCurrent(int64(max(0, min(pct, 100))))
}

// endBar finishes the current bar, if any, and flushes held lines.
func (c *Console) endBar(complete bool) {
	if c.bar != nil {
		if complete {
			c.bar.SetCurrent(100)
		} else {
			c.bar.Abort(false)
		}
		c.progress.Wait()
		c.bar, c.progress, c.barName = nil, nil, ""
	}
	for _, l := range c.held {
		fmt.Fprintln(c.opts.Out, l)
	}
	c.held = nil
}

func (c *Console) line(s string) {
	if c.bar != nil {
		c.held = append(c.held, s)
		return
	}
	fmt.Fprintln(c.opts.Out, s)
}

// FormatOutcome is the one-line report of an item.
func FormatOutcome(ok, bad *color.Color, o eventbus.Outcome) string {
	if o.OK {
		return ok.Sprintf("[ok]   #%d %s", o.Index+1, o.Title)
	}
	var parts []string
	if o.Social != "" && o.Social != "ok" {
		parts = append(parts, "social "+o.Social)
	}
	if o.Community != "" && o.Community != "ok" {
		parts = append(parts, "community "+o.Community)
	}
	s := fmt.Sprintf("[fail] #%d %s", o.Index+1, o.Title)
	if len(parts) > 0 {
		s += " (" + strings.Join(parts, "; ") + ")"
	}
	return bad.Sprint(s)
}

// FormatNextTick renders the countdown to the next post.
func FormatNextTick(n eventbus.NextTick, now time.Time) string {
	in := n.At.Sub(now).Round(time.Second)
	if in < 0 {
		in = 0
	}
	return fmt.Sprintf("Next post at %s (in %s)", n.At.Format("03:04:05 PM"), in)
}
