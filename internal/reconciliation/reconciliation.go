// Package reconciliation audits the escrow ledger against transaction state.
//
// For every transaction the entries must balance, and the per-account
// balances must agree with where the state says the funds are:
//
//	Created            nothing held
//	Funded/Delivered   escrow = amount
//	Disputed           escrow = amount
//	Completed          seller = amount, escrow = 0
//	Resolved           seller + buyer = amount, escrow = 0
//	Cancelled          nothing held, or buyer = amount after a mutual cancel
//
// Whenever funds were held the rail account carries -amount.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/ledger"
)

// DefaultStuckGrace is how long past expires_at a Created transaction may
// stay open before it is reported as stuck.
const DefaultStuckGrace = 10 * time.Minute

// Source is the read side the auditor scans.
type Source interface {
	ListTransactions(ctx context.Context, afterID string, limit int) ([]*escrow.Transaction, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*escrow.Transaction, error)
	Entries(ctx context.Context, transactionID string) ([]*ledger.Entry, error)
}

// Mismatch is one transaction whose ledger disagrees with its state.
type Mismatch struct {
	TransactionID string          `json:"transactionId"`
	State         escrow.State    `json:"state"`
	Amount        int64           `json:"amount"`
	Balances      ledger.Balances `json:"balances"`
	Problem       string          `json:"problem"`
}

// Report is the outcome of one audit run.
type Report struct {
	Checked      int           `json:"checked"`
	Mismatches   []Mismatch    `json:"mismatches"`
	StuckExpired []string      `json:"stuckExpired"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

// Healthy reports whether the run found nothing to flag.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.StuckExpired) == 0
}

// Auditor checks ledger conservation across all transactions.
type Auditor struct {
	source Source
	batch  int
	grace  time.Duration
	now    func() time.Time
}

// NewAuditor creates an auditor reading from source.
func NewAuditor(source Source) *Auditor {
	return &Auditor{
		source: source,
		batch:  200,
		grace:  DefaultStuckGrace,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (for tests).
func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	a.now = now
	return a
}

// Run scans every transaction and returns what it found. A store error
// aborts the run; mismatches never do.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	start := a.now()
	timer := startRun()
	defer timer()

	report := &Report{Mismatches: []Mismatch{}, StuckExpired: []string{}, StartedAt: start}
	after := ""
	for {
		page, err := a.source.ListTransactions(ctx, after, a.batch)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list transactions after %q: %w", after, err)
		}
		for _, t := range page {
			entries, err := a.source.Entries(ctx, t.ID)
			if err != nil {
				reconcileErrors.Inc()
				return nil, fmt.Errorf("entries for %s: %w", t.ID, err)
			}
			report.Checked++
			if m := Check(t, entries); m != nil {
				report.Mismatches = append(report.Mismatches, *m)
			}
		}
		if len(page) < a.batch {
			break
		}
		after = page[len(page)-1].ID
	}

	stuck, err := a.source.ListExpired(ctx, start.Add(-a.grace), a.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list stuck transactions: %w", err)
	}
	for _, t := range stuck {
		report.StuckExpired = append(report.StuckExpired, t.ID)
	}

	report.Duration = a.now().Sub(start)
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileStuckEscrows.Set(float64(len(report.StuckExpired)))
	return report, nil
}

// Check compares one transaction's entries with its state. It returns nil
// when they agree.
func Check(t *escrow.Transaction, entries []*ledger.Entry) *Mismatch {
	b := ledger.Summarize(entries)
	mismatch := func(format string, args ...any) *Mismatch {
		return &Mismatch{
			TransactionID: t.ID,
			State:         t.State,
			Amount:        t.Amount,
			Balances:      b,
			Problem:       fmt.Sprintf(format, args...),
		}
	}

	if err := ledger.Verify(entries); err != nil {
		return mismatch("%v", err)
	}
	held := len(entries) > 0
	if held && b.Rail != -t.Amount {
		return mismatch("rail %d, want %d", b.Rail, -t.Amount)
	}

	switch t.State {
	case escrow.StateCreated:
		if held {
			return mismatch("unfunded transaction has %d entries", len(entries))
		}
	case escrow.StateFunded, escrow.StateDelivered, escrow.StateDisputed:
		if b.Escrow != t.Amount {
			return mismatch("escrow %d, want %d", b.Escrow, t.Amount)
		}
	case escrow.StateCompleted:
		if b.Escrow != 0 || b.Seller != t.Amount {
			return mismatch("escrow %d seller %d, want 0 and %d", b.Escrow, b.Seller, t.Amount)
		}
	case escrow.StateResolved:
		if b.Escrow != 0 || b.Seller+b.Buyer != t.Amount {
			return mismatch("escrow %d seller+buyer %d, want 0 and %d", b.Escrow, b.Seller+b.Buyer, t.Amount)
		}
	case escrow.StateCancelled:
		if held && (b.Escrow != 0 || b.Buyer != t.Amount) {
			return mismatch("escrow %d buyer %d, want 0 and %d", b.Escrow, b.Buyer, t.Amount)
		}
	default:
		return mismatch("unknown state")
	}
	return nil
}
