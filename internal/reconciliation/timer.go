package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer audits the ledger.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs the auditor and keeps the latest report.
type Timer struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a new reconciliation timer.
func NewTimer(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		auditor:  auditor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, nil before the first run.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

// RunNow audits immediately and records the report.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	report, err := t.auditor.Run(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.last = report
	t.mu.Unlock()

	if report.Healthy() {
		t.logger.Debug("reconciliation clean", "checked", report.Checked)
		return report, nil
	}
	for _, m := range report.Mismatches {
		t.logger.Error("ledger mismatch",
			"transactionId", m.TransactionID,
			"state", m.State,
			"problem", m.Problem,
		)
	}
	if n := len(report.StuckExpired); n > 0 {
		t.logger.Warn("expired transactions still open", "count", n)
	}
	return report, nil
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
