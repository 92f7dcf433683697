// Package notify delivers one-line operator alerts to chat channels. Alerts
// are filtered by event name so operators only see what they asked for.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds one asynchronous delivery
const DefaultTimeout = 5 * time.Second

// Sender is one notification channel
type Sender interface {
	Send(ctx context.Context, event, message string) error
	Name() string
}

// Notifier fans a message out to every sender when its event is allowed.
// An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a notifier for senders, filtered by events
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(strings.ToLower(e)); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger,
	}
}

// Allowed reports whether event passes the filter
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Send delivers to every sender. One failing sender does not stop the rest;
// the failures are combined into the returned error.
func (n *Notifier) Send(ctx context.Context, event, message string) error {
	if !n.Allowed(event) {
		n.logger.Debug("[NOTIFY] Event filtered", "event", event)
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, event, message); err != nil {
			n.logger.Warn("[NOTIFY] Sender failed", "sender", s.Name(), "event", event, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to notify %d sender(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Async delivers in the background with a per-message timeout so callers on
// the trading path never block on a chat API.
type Async struct {
	n       *Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps n. A non-positive timeout uses DefaultTimeout.
func NewAsync(n *Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Async{n: n, timeout: timeout}
}

// Notify queues a delivery and returns immediately. Cancelling ctx does not
// abort a delivery already queued.
func (a *Async) Notify(ctx context.Context, event, message string) {
	if !a.n.Allowed(event) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		_ = a.n.Send(sendCtx, event, message)
	}()
}

// Wait blocks until queued deliveries finish
func (a *Async) Wait() {
	a.wg.Wait()
}
