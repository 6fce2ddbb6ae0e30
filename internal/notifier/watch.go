package notifier

import (
	"context"
	"fmt"
	"strings"

	"newsposter/internal/eventbus"
	kit "newsposter/internal/transport"
	logx "newsposter/pkg/logx"
)

// Watch forwards run events from bus to the chat at to until Stop. It is a
// no-op if the service is not started.
func (s *Service) Watch(bus eventbus.Bus, to kit.ChatTarget) {
	box := s.running()
	if box == nil || bus == nil {
		return
	}
	events, unsub := bus.Subscribe(256)
	box.sup.Go0("notifier.watch", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-box.stopping:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				n, ok := FromEvent(e)
				if !ok {
					continue
				}
				n.Channel = kit.ChannelTelegram
				n.Target = to
				n.Options = &kit.SendOptions{DisablePreview: true}
				if err := s.Notify(ctx, n); err != nil {
					s.log.Debug("run event not forwarded", logx.String("type", e.Type), logx.Err(err))
				}
			}
		}
	})
}

// FromEvent renders the run events an operator cares about. Progress and
// status chatter is skipped.
func FromEvent(e eventbus.Event) (kit.Notification, bool) {
	run := shortID(e.RunID)
	switch d := e.Data.(type) {
	case eventbus.Summary:
		switch e.Type {
		case eventbus.RunCompleted:
			return kit.Notification{Priority: 5, Text: fmt.Sprintf("Run %s completed: %d/%d posted, %d failed", run, d.Posted, d.Total, d.Failed)}, true
		case eventbus.RunStopped:
			return kit.Notification{Priority: 7, Text: fmt.Sprintf("Run %s stopped: %d/%d posted", run, d.Posted, d.Total)}, true
		}
	case eventbus.Failure:
		if e.Type == eventbus.RunFailed {
			return kit.Notification{Priority: 9, Text: fmt.Sprintf("Run %s failed: %s", run, d.Reason)}, true
		}
	case eventbus.Outcome:
		if e.Type != eventbus.RunOutcome || d.OK {
			return kit.Notification{}, false
		}
		var parts []string
		if d.Social != "" {
			parts = append(parts, "social "+d.Social)
		}
		if d.Community != "" {
			parts = append(parts, "community "+d.Community)
		}
		return kit.Notification{Priority: 7, Text: fmt.Sprintf("Not posted #%d %q (%s)", d.Index+1, d.Title, strings.Join(parts, "; "))}, true
	}
	return kit.Notification{}, false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
