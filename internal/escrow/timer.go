package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowcore/internal/retry"
)

// DefaultExpiryInterval is how often the timer scans for expired transactions.
const DefaultExpiryInterval = 30 * time.Second

// Timer periodically cancels unfunded transactions past their TTL.
type Timer struct {
	manager  *Manager
	store    Reader
	interval time.Duration
	batch    int
	policy   retry.Policy
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry timer.
func NewTimer(manager *Manager, store Reader, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		manager:  manager,
		store:    store,
		interval: interval,
		batch:    100,
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 50 * time.Millisecond,
			MaxDelay:  time.Second,
			Retryable: IsRetryable,
		},
		logger: logger,
		stop:   make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpireDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpireDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireDue(ctx)
}

// expireDue cancels every Created transaction whose expires_at has passed
// and returns how many it cancelled.
func (t *Timer) expireDue(ctx context.Context) int {
	due, err := t.store.ListExpired(ctx, t.manager.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list expired transactions", "error", err)
		return 0
	}

	expired := 0
	for _, tr := range due {
		if err := t.expire(ctx, tr.ID); err != nil {
			t.logger.Warn("failed to expire transaction",
				"transactionId", tr.ID,
				"error", err,
			)
			continue
		}
		expired++
		t.logger.Info("expired transaction",
			"transactionId", tr.ID,
			"seller", tr.SellerID,
			"expiresAt", tr.ExpiresAt,
		)
	}
	return expired
}

// expire retries on version conflicts, reloading the version each attempt.
func (t *Timer) expire(ctx context.Context, id string) error {
	return t.policy.Do(ctx, func() error {
		cur, err := t.manager.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		_, err = t.manager.Expire(ctx, id, SystemActor, cur.Version)
		return err
	})
}
