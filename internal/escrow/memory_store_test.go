package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/reputation"
)

func insertTx(t *testing.T, s *MemoryStore, tr *Transaction) {
	t.Helper()
	err := s.Atomic(context.Background(), tr.ID, func(tx Tx) error {
		return tx.InsertTransaction(context.Background(), tr)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, State: StateCreated, Version: 1})

	got, _ := s.GetTransaction(context.Background(), "tx_1")
	got.State = StateCompleted

	again, _ := s.GetTransaction(context.Background(), "tx_1")
	if again.State != StateCreated {
		t.Fatalf("mutating a read leaked into the store: %s", again.State)
	}
}

func TestMemoryStore_DiscardsOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, State: StateCreated, Version: 1})

	boom := errors.New("boom")
	err := s.Atomic(ctx, "tx_1", func(tx Tx) error {
		tr, _ := tx.Transaction(ctx)
		tr.State = StateCancelled
		tr.Version = 2
		if err := tx.UpdateTransaction(ctx, tr, 1); err != nil {
			return err
		}
		if err := tx.AppendEntries(ctx, &ledger.Entry{ID: "le_1", TransactionID: "tx_1", Account: ledger.AccountRail, Direction: ledger.Debit, Amount: 5}); err != nil {
			return err
		}
		if err := tx.ApplyReputation(ctx, reputation.Delta{UserID: seller, Completed: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	cur, _ := s.GetTransaction(ctx, "tx_1")
	if cur.State != StateCreated || cur.Version != 1 {
		t.Errorf("staged update leaked: %+v", cur)
	}
	entries, _ := s.Entries(ctx, "tx_1")
	if len(entries) != 0 {
		t.Errorf("staged entries leaked: %d", len(entries))
	}
	rec, _ := s.GetReputation(ctx, seller)
	if rec.CompletedCount != 0 {
		t.Errorf("staged reputation leaked: %+v", rec)
	}
}

func TestMemoryStore_UpdateVersionGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, State: StateCreated, Version: 3})

	err := s.Atomic(ctx, "tx_1", func(tx Tx) error {
		return tx.UpdateTransaction(ctx, &Transaction{ID: "tx_1", Version: 3}, 2)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_TxSeesStagedEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, State: StateCreated, Version: 1})

	err := s.Atomic(ctx, "tx_1", func(tx Tx) error {
		l := ledger.New(tx)
		if err := l.Hold(ctx, "tx_1", 100); err != nil {
			return err
		}
		// A second hold in the same section must see the staged pair.
		if err := l.Hold(ctx, "tx_1", 100); !errors.Is(err, ledger.ErrAlreadyHeld) {
			t.Errorf("expected ErrAlreadyHeld, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	entries, _ := s.Entries(ctx, "tx_1")
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
}

func TestMemoryStore_DisputeScopedToTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, State: StateFunded, Version: 1})
	insertTx(t, s, &Transaction{ID: "tx_2", SellerID: seller, State: StateFunded, Version: 1})

	d := &Dispute{ID: "dsp_1", TransactionID: "tx_1", State: DisputeOpen, OpenedAt: time.Now()}
	if err := s.Atomic(ctx, "tx_1", func(tx Tx) error { return tx.InsertDispute(ctx, d) }); err != nil {
		t.Fatalf("InsertDispute: %v", err)
	}

	err := s.Atomic(ctx, "tx_2", func(tx Tx) error {
		_, err := tx.Dispute(ctx, "dsp_1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign dispute: expected ErrNotFound, got %v", err)
	}
	err = s.Atomic(ctx, "tx_2", func(tx Tx) error { return tx.InsertDispute(ctx, d) })
	if err == nil {
		t.Error("inserting a dispute for another transaction should fail")
	}
}

func TestMemoryStore_AtomicHonorsContext(t *testing.T) {
	s := NewMemoryStore()
	insertTx(t, s, &Transaction{ID: "tx_1", SellerID: seller, Version: 1})

	held := make(chan struct{})
	release := make(chan struct{})
	go s.Atomic(context.Background(), "tx_1", func(Tx) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Atomic(ctx, "tx_1", func(Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while section is held, got %v", err)
	}
}

func TestMemoryStore_ListExpired(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	insertTx(t, s, &Transaction{ID: "tx_old", State: StateCreated, ExpiresAt: now.Add(-time.Hour), Version: 1})
	insertTx(t, s, &Transaction{ID: "tx_new", State: StateCreated, ExpiresAt: now.Add(time.Hour), Version: 1})
	insertTx(t, s, &Transaction{ID: "tx_funded", State: StateFunded, ExpiresAt: now.Add(-time.Hour), Version: 1})

	due, err := s.ListExpired(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(due) != 1 || due[0].ID != "tx_old" {
		t.Errorf("due = %v, want only tx_old", due)
	}
}
