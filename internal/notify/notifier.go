// Package notify delivers operator alerts to Telegram and Discord. Alerts
// are filtered by event type so operators receive only what they subscribed
// to.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// EventInvariantViolation is the alert type raised when an operation faults
// on an internal consistency check.
const EventInvariantViolation = "invariant_violation"

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type alert struct {
	event, title, message string
}

// Notifier filters alerts by type and delivers them to every sender from a
// background worker.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan alert
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan alert, 256),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify queues an alert if its type passes the filter. It never blocks; a
// full queue drops the alert with a warning.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) {
	if !n.Enabled() || !n.allowed(event) {
		return
	}
	select {
	case n.queue <- alert{event: event, title: title, message: message}:
	default:
		n.logger.WarnContext(ctx, "alert queue full, dropping", slog.String("event", event))
	}
}

// HandleEvents turns ledger events into alerts.
func (n *Notifier) HandleEvents(ctx context.Context, events []domain.Event) {
	for _, ev := range events {
		if !n.allowed(string(ev.Kind)) {
			continue
		}
		if title, msg, ok := describe(ev); ok {
			n.Notify(ctx, string(ev.Kind), title, msg)
		}
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			_ = n.dispatch(sendCtx, a.title, a.message)
			cancel()
		}
	}
}

// dispatch sends to every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// describe renders the events operators care about. Other kinds report
// ok=false.
func describe(ev domain.Event) (title, message string, ok bool) {
	switch ev.Kind {
	case domain.EventMarketResolved:
		var p domain.MarketResolved
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("Market %d resolved", p.Market),
			fmt.Sprintf("Winner: %s (outcome %d)\nPool: %s\nWinning shares: %s\nBy: %s", p.Label, p.Winner, p.Pool, p.Outstanding, p.By), true
	case domain.EventMarketCancelled:
		var p domain.MarketCancelled
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("Market %d cancelled", p.Market),
			fmt.Sprintf("Pool: %s\nRefunded: %s to %d holders\nDust: %s\nBy: %s", p.Pool, p.Refunded, p.Holders, p.Dust, p.By), true
	}
	return "", "", false
}
