package escrow

import (
	"context"
	"time"
)

// Event describes one committed transition.
type Event struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	TransactionID string    `json:"transactionId"`
	DisputeID     string    `json:"disputeId,omitempty"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	Actor         Actor     `json:"actor"`
	Version       int64     `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier receives events after their transition has committed. Errors are
// logged and never undo the commit.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }
