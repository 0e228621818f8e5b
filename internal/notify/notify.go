// Package notify delivers committed escrow events to outbound sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/escrowcore/internal/circuitbreaker"
	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/metrics"
)

// Fanout delivers each event to every sink. A failing sink does not stop
// delivery to the rest; the joined error is returned.
type Fanout struct {
	sinks []named
}

type named struct {
	name     string
	notifier escrow.Notifier
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink under name, used as the metrics label.
func (f *Fanout) Add(name string, n escrow.Notifier) *Fanout {
	if n != nil {
		f.sinks = append(f.sinks, named{name: name, notifier: n})
	}
	return f
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Notify implements escrow.Notifier.
func (f *Fanout) Notify(ctx context.Context, e escrow.Event) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.notifier.Notify(ctx, e)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
		metrics.EventsPublishedTotal.WithLabelValues(s.name, result).Inc()
	}
	return errors.Join(errs...)
}

// LogNotifier writes every event to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging at Info on logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements escrow.Notifier.
func (l *LogNotifier) Notify(ctx context.Context, e escrow.Event) error {
	l.logger.InfoContext(ctx, "escrow event",
		"eventId", e.ID,
		"action", e.Action,
		"transactionId", e.TransactionID,
		"disputeId", e.DisputeID,
		"from", e.From,
		"to", e.To,
		"actor", e.Actor.ID,
		"version", e.Version,
	)
	return nil
}

// Guarded wraps a sink with a circuit breaker keyed by name. While the
// circuit is open events are dropped with circuitbreaker.ErrOpen instead of
// waiting on the sink.
func Guarded(name string, n escrow.Notifier, b *circuitbreaker.Breaker) escrow.Notifier {
	return escrow.NotifierFunc(func(ctx context.Context, e escrow.Event) error {
		return b.Do(name, func() error { return n.Notify(ctx, e) })
	})
}

var (
	_ escrow.Notifier = (*Fanout)(nil)
	_ escrow.Notifier = (*LogNotifier)(nil)
)
