package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/ledger"
)

var (
	seller = escrow.User("alice")
	buyer  = escrow.User("bob")
	admin  = escrow.Actor{ID: "mod-1", Role: escrow.RoleAdmin}
)

// tamperedSource serves the memory store but swaps in entries for chosen ids.
type tamperedSource struct {
	*escrow.MemoryStore
	entries map[string][]*ledger.Entry
	listErr error
}

func (s *tamperedSource) Entries(ctx context.Context, id string) ([]*ledger.Entry, error) {
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	return s.MemoryStore.Entries(ctx, id)
}

func (s *tamperedSource) ListTransactions(ctx context.Context, after string, limit int) ([]*escrow.Transaction, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListTransactions(ctx, after, limit)
}

type world struct {
	store    *escrow.MemoryStore
	manager  *escrow.Manager
	resolver *escrow.Resolver
	now      time.Time
}

func newWorld() *world {
	w := &world{store: escrow.NewMemoryStore(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w.manager = escrow.NewManager(w.store, nil).WithClock(func() time.Time { return w.now })
	w.resolver = escrow.NewResolver(w.manager)
	return w
}

func (w *world) funded(t *testing.T, amount int64) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tr, err := w.manager.Create(ctx, seller, escrow.CreateParams{Item: "lamp", Amount: amount, Currency: "USD"})
	require.NoError(t, err)
	tr, err = w.manager.Join(ctx, tr.ID, buyer, tr.Version)
	require.NoError(t, err)
	tr, err = w.manager.NotifyFunded(ctx, tr.ID, escrow.SystemActor, amount, "", tr.Version)
	require.NoError(t, err)
	return tr
}

// populate drives one transaction into each state.
func (w *world) populate(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := w.manager.Create(ctx, seller, escrow.CreateParams{Item: "open", Amount: 100, Currency: "USD"})
	require.NoError(t, err)

	w.funded(t, 200)

	completed := w.funded(t, 300)
	completed, err = w.manager.ConfirmDelivery(ctx, completed.ID, seller, completed.Version)
	require.NoError(t, err)
	_, err = w.manager.Complete(ctx, completed.ID, buyer, completed.Version)
	require.NoError(t, err)

	cancelled := w.funded(t, 400)
	cancelled, err = w.manager.VoteCancel(ctx, cancelled.ID, seller, cancelled.Version)
	require.NoError(t, err)
	_, err = w.manager.VoteCancel(ctx, cancelled.ID, buyer, cancelled.Version)
	require.NoError(t, err)

	disputed := w.funded(t, 500)
	d, _, err := w.resolver.Open(ctx, disputed.ID, buyer, escrow.DisputeQualityIssue, "scratched", disputed.Version)
	require.NoError(t, err)
	_, err = w.resolver.BeginReview(ctx, d.ID, admin)
	require.NoError(t, err)
	_, _, err = w.resolver.Resolve(ctx, d.ID, admin, escrow.Split{SellerShare: decimal.RequireFromString("0.3")}, "")
	require.NoError(t, err)

	still := w.funded(t, 600)
	_, _, err = w.resolver.Open(ctx, still.ID, seller, escrow.DisputeOther, "no reply", still.Version)
	require.NoError(t, err)
}

func TestAuditor_CleanLedger(t *testing.T) {
	w := newWorld()
	w.populate(t)

	auditor := NewAuditor(w.store).WithClock(func() time.Time { return w.now })
	auditor.batch = 2
	report, err := auditor.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Checked)
	assert.Empty(t, report.Mismatches)
	assert.Empty(t, report.StuckExpired)
	assert.True(t, report.Healthy())
	assert.Equal(t, float64(0), testutil.ToFloat64(reconcileLedgerMismatches))
}

func TestAuditor_FlagsTamperedEntries(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	funded := w.funded(t, 200)
	completed := w.funded(t, 300)
	completed, err := w.manager.ConfirmDelivery(ctx, completed.ID, seller, completed.Version)
	require.NoError(t, err)
	completed, err = w.manager.Complete(ctx, completed.ID, buyer, completed.Version)
	require.NoError(t, err)

	held, err := w.store.Entries(ctx, funded.ID)
	require.NoError(t, err)
	settled, err := w.store.Entries(ctx, completed.ID)
	require.NoError(t, err)
	require.Len(t, settled, 4)
	source := &tamperedSource{
		MemoryStore: w.store,
		entries: map[string][]*ledger.Entry{
			// Hold only: the release to the seller is missing.
			completed.ID: settled[:2],
			// One leg dropped.
			funded.ID: held[:1],
		},
	}

	report, err := NewAuditor(source).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 2)
	assert.False(t, report.Healthy())
	assert.Equal(t, float64(2), testutil.ToFloat64(reconcileLedgerMismatches))

	byID := map[string]Mismatch{}
	for _, m := range report.Mismatches {
		byID[m.TransactionID] = m
	}
	assert.Contains(t, byID[funded.ID].Problem, "unbalanced")
	assert.Equal(t, escrow.StateCompleted, byID[completed.ID].State)
	assert.Equal(t, int64(300), byID[completed.ID].Balances.Escrow)
}

func TestAuditor_ReportsStuckExpiry(t *testing.T) {
	w := newWorld()
	tr, err := w.manager.Create(context.Background(), seller, escrow.CreateParams{Item: "x", Amount: 100, Currency: "USD"})
	require.NoError(t, err)

	w.now = w.now.Add(escrow.DefaultTTL + DefaultStuckGrace + time.Minute)
	report, err := NewAuditor(w.store).WithClock(func() time.Time { return w.now }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{tr.ID}, report.StuckExpired)
	assert.Empty(t, report.Mismatches)
}

func TestAuditor_StoreErrorAborts(t *testing.T) {
	source := &tamperedSource{MemoryStore: escrow.NewMemoryStore(), listErr: errors.New("connection reset")}
	before := testutil.ToFloat64(reconcileErrors)

	_, err := NewAuditor(source).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(reconcileErrors))
}

func TestCheck(t *testing.T) {
	entry := func(acct ledger.Account, dir ledger.Direction, amount int64) *ledger.Entry {
		return &ledger.Entry{ID: string(acct) + string(dir), TransactionID: "tx_1", Account: acct, Direction: dir, Amount: amount}
	}
	hold := []*ledger.Entry{entry(ledger.AccountRail, ledger.Debit, 100), entry(ledger.AccountEscrow, ledger.Credit, 100)}
	toBuyer := append(append([]*ledger.Entry{}, hold...),
		entry(ledger.AccountEscrow, ledger.Debit, 100), entry(ledger.AccountBuyer, ledger.Credit, 100))

	tests := []struct {
		name    string
		state   escrow.State
		entries []*ledger.Entry
		ok      bool
	}{
		{"created empty", escrow.StateCreated, nil, true},
		{"created with hold", escrow.StateCreated, hold, false},
		{"funded", escrow.StateFunded, hold, true},
		{"funded empty", escrow.StateFunded, nil, false},
		{"disputed", escrow.StateDisputed, hold, true},
		{"cancelled unfunded", escrow.StateCancelled, nil, true},
		{"cancelled refunded", escrow.StateCancelled, toBuyer, true},
		{"cancelled still held", escrow.StateCancelled, hold, false},
		{"resolved refund", escrow.StateResolved, toBuyer, true},
		{"completed to buyer", escrow.StateCompleted, toBuyer, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &escrow.Transaction{ID: "tx_1", State: tt.state, Amount: 100}
			m := Check(tr, tt.entries)
			if tt.ok {
				assert.Nil(t, m)
			} else {
				assert.NotNil(t, m)
			}
		})
	}
}

func TestTimer_RunNowKeepsLastReport(t *testing.T) {
	w := newWorld()
	w.funded(t, 100)

	timer := NewTimer(NewAuditor(w.store), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Nil(t, timer.Last())
	assert.Equal(t, DefaultInterval, timer.interval)

	report, err := timer.RunNow(context.Background())
	require.NoError(t, err)
	assert.Same(t, report, timer.Last())
	assert.Equal(t, 1, report.Checked)
}

func TestTimer_StartStop(t *testing.T) {
	timer := NewTimer(NewAuditor(escrow.NewMemoryStore()), time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
