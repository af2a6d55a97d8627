// ABOUTME: Sends shoutrrr notifications when agents go offline or come back
// ABOUTME: Consumes fleet events from the broadcaster; send failures are logged, never fatal

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"github.com/Davery92/sara-jarvis/internal/events"
)

// Sender abstracts message dispatch so the notifier can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Types lists the events the notifier reacts to.
var Types = []events.Type{events.TypeAgentOffline, events.TypeAgentOnline}

// Notifier fans liveness transitions out to every configured service URL.
type Notifier struct {
	urls   []string
	sender Sender
	logger *slog.Logger
}

// New creates a Notifier. A nil sender uses Shoutrrr.
func New(urls []string, sender Sender, logger *slog.Logger) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{
		urls:   urls,
		sender: sender,
		logger: logger.With("component", "notify"),
	}
}

// Enabled reports whether any service URL is configured.
func (n *Notifier) Enabled() bool {
	return len(n.urls) > 0
}

// Run sends a notification for each event until ch is closed or ctx is done.
func (n *Notifier) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Error("notification failed", "type", ev.Type, "agent_id", ev.AgentID, "error", err)
			}
		}
	}
}

// Notify sends the formatted event to every URL and joins the failures.
func (n *Notifier) Notify(ev events.Event) error {
	msg, ok := Format(ev)
	if !ok {
		return nil
	}

	var errs []error
	for _, url := range n.urls {
		if err := n.sender.Send(url, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", redact(url), err))
		}
	}
	if len(errs) == 0 {
		n.logger.Debug("notification sent", "type", ev.Type, "agent_id", ev.AgentID, "services", len(n.urls))
	}
	return errors.Join(errs...)
}

// Format renders an event as a notification line. Events the notifier does
// not handle return false.
func Format(ev events.Event) (string, bool) {
	switch ev.Type {
	case events.TypeAgentOffline:
		msg := fmt.Sprintf("Agent %s is offline", ev.AgentID)
		if data, ok := ev.Data.(map[string]any); ok {
			if last, ok := data["last_heartbeat"].(time.Time); ok && !last.IsZero() {
				msg += fmt.Sprintf(" (last heartbeat %s)", last.UTC().Format(time.RFC3339))
			}
		}
		return msg, true
	case events.TypeAgentOnline:
		return fmt.Sprintf("Agent %s is back online", ev.AgentID), true
	default:
		return "", false
	}
}

// redact keeps the service scheme of a URL and drops the credentials.
func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i] + "://***"
	}
	return "***"
}
