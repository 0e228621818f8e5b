//go:build integration

package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/testutil"
)

func newPostgresFixture(t *testing.T) (*fixture, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	return newFixtureWithStore(t, store), store
}

func TestPostgres_LifecycleAndReputation(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()

	tr := f.delivered(t, 15000)
	tr, err := f.manager.Complete(ctx, tr.ID, User(buyer), tr.Version)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if tr.State != StateCompleted || tr.Version != 5 {
		t.Fatalf("unexpected: %+v", tr)
	}

	entries, err := store.Entries(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if err := ledger.Verify(entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := ledger.Balance(entries, ledger.AccountSeller); got != 15000 {
		t.Errorf("seller = %d, want 15000", got)
	}

	rec, err := store.GetReputation(ctx, seller)
	if err != nil {
		t.Fatalf("GetReputation: %v", err)
	}
	if rec.CompletedCount != 1 {
		t.Errorf("completed = %d, want 1", rec.CompletedCount)
	}
}

func TestPostgres_ConcurrentCompleteReleasesOnce(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()
	tr := f.delivered(t, 900)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Complete(ctx, tr.ID, User(buyer), tr.Version)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	entries, _ := store.Entries(ctx, tr.ID)
	if got := ledger.Balance(entries, ledger.AccountSeller); got != 900 {
		t.Errorf("seller = %d, want 900", got)
	}
}

func TestPostgres_DisputeRoundTrip(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()

	d, _ := f.underReview(t, 1000)
	if _, err := f.resolver.AddEvidence(ctx, d.ID, User(seller), "s3://tracking.pdf"); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	_, tr, err := f.resolver.Resolve(ctx, d.ID, admin, Split{SellerShare: decimal.RequireFromString("0.75")}, "late")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute: %v", err)
	}
	split, ok := got.Resolution.(Split)
	if !ok || !split.SellerShare.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("resolution = %#v", got.Resolution)
	}
	if len(got.Evidence) != 1 {
		t.Errorf("evidence = %d, want 1", len(got.Evidence))
	}

	entries, _ := store.Entries(ctx, tr.ID)
	if s, b := ledger.Balance(entries, ledger.AccountSeller), ledger.Balance(entries, ledger.AccountBuyer); s != 750 || b != 250 {
		t.Errorf("seller=%d buyer=%d, want 750/250", s, b)
	}

	resolved, err := store.ListDisputesByState(ctx, DisputeResolved, 10)
	if err != nil || len(resolved) != 1 {
		t.Errorf("ListDisputesByState: %v %d", err, len(resolved))
	}
}

func TestPostgres_SplitSharePrecision(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()

	d, _ := f.underReview(t, 1000)
	_, _, err := f.resolver.Resolve(ctx, d.ID, admin, Split{SellerShare: decimal.RequireFromString("0.999999999")}, "")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("over-precise share: err = %v, want ErrInvalidOutcome", err)
	}
	got, err := store.GetDispute(ctx, d.ID)
	if err != nil || got.State != DisputeUnderReview {
		t.Fatalf("dispute after refused resolve: %v %+v", err, got)
	}

	share := decimal.RequireFromString("0.12345678")
	_, tr, err := f.resolver.Resolve(ctx, d.ID, admin, Split{SellerShare: share}, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err = store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute: %v", err)
	}
	if split, ok := got.Resolution.(Split); !ok || !split.SellerShare.Equal(share) {
		t.Errorf("stored resolution = %#v, want share %s", got.Resolution, share)
	}
	entries, _ := store.Entries(ctx, tr.ID)
	if s, b := ledger.Balance(entries, ledger.AccountSeller), ledger.Balance(entries, ledger.AccountBuyer); s != 124 || b != 876 {
		t.Errorf("seller=%d buyer=%d, want 124/876", s, b)
	}
}

func TestPostgres_DisputeTriage(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()

	small, _ := f.disputed(t, 1000)
	big, _ := f.disputed(t, 2_000_00)

	open, err := store.ListDisputesByState(ctx, DisputeOpen, 10)
	if err != nil || len(open) != 2 {
		t.Fatalf("ListDisputesByState: %v %d", err, len(open))
	}
	if open[0].ID != big.ID || open[0].Priority != PriorityUrgent || open[1].ID != small.ID {
		t.Errorf("queue order = %s(%s), %s(%s)", open[0].ID, open[0].Priority, open[1].ID, open[1].Priority)
	}
	if open[1].Type != DisputeQualityIssue || open[1].Priority != PriorityNormal {
		t.Errorf("small dispute = %s/%s", open[1].Type, open[1].Priority)
	}

	mine, err := store.ListDisputesByUser(ctx, seller, 10)
	if err != nil || len(mine) != 2 {
		t.Errorf("ListDisputesByUser: %v %d", err, len(mine))
	}
	if _, err := f.resolver.BeginReview(ctx, big.ID, admin); err != nil {
		t.Fatalf("BeginReview: %v", err)
	}
	assigned, err := store.ListDisputesByResolver(ctx, admin.ID, 10)
	if err != nil || len(assigned) != 1 || assigned[0].ID != big.ID {
		t.Errorf("ListDisputesByResolver: %v %v", err, assigned)
	}
}

func TestPostgres_ExpiredListing(t *testing.T) {
	f, store := newPostgresFixture(t)
	ctx := context.Background()

	tr := f.create(t, 100)
	f.clock.Advance(DefaultTTL * 2)

	due, err := store.ListExpired(ctx, f.clock.Now(), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(due) != 1 || due[0].ID != tr.ID {
		t.Fatalf("due = %v", due)
	}

	timer := NewTimer(f.manager, store, 0, nil)
	if n := timer.expireDue(ctx); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
}
