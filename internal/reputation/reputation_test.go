package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// memRecords is an in-memory Reader and Recorder.
type memRecords struct {
	mu      sync.Mutex
	records map[string]*Record
	err     error
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[string]*Record)}
}

func (m *memRecords) GetReputation(_ context.Context, userID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRecords) ApplyReputation(_ context.Context, deltas ...Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		r, ok := m.records[d.UserID]
		if !ok {
			r = &Record{UserID: d.UserID}
			m.records[d.UserID] = r
		}
		r.Apply(d)
	}
	return nil
}

func TestCalculate(t *testing.T) {
	tr := NewTracker(newMemRecords(), DefaultWeights)

	tests := []struct {
		name  string
		rec   Record
		score int64
		tier  Tier
	}{
		{"no history", Record{}, 0, TierNew},
		{"one completed", Record{CompletedCount: 1}, 2, TierNew},
		{"emerging", Record{CompletedCount: 10}, 20, TierEmerging},
		{"established", Record{CompletedCount: 20}, 40, TierEstablished},
		{"trusted", Record{CompletedCount: 30}, 60, TierTrusted},
		{"elite", Record{CompletedCount: 40}, 80, TierElite},
		{"capped", Record{CompletedCount: 500}, 100, TierElite},
		{"losses subtract", Record{CompletedCount: 20, DisputeLossCount: 1}, 30, TierEmerging},
		{"clamped at zero", Record{CompletedCount: 1, DisputeLossCount: 3}, 0, TierNew},
		{"disputes alone cost nothing", Record{CompletedCount: 10, DisputedCount: 4}, 20, TierEmerging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tr.Calculate(tt.rec)
			if s.Score != tt.score {
				t.Errorf("score = %d, want %d", s.Score, tt.score)
			}
			if s.Tier != tt.tier {
				t.Errorf("tier = %s, want %s", s.Tier, tt.tier)
			}
		})
	}
}

func TestNewTracker_InvalidWeightsFallBack(t *testing.T) {
	tr := NewTracker(newMemRecords(), Weights{Completed: 1, Loss: 1, Max: 0})
	if tr.Weights() != DefaultWeights {
		t.Errorf("expected default weights, got %+v", tr.Weights())
	}
}

func TestOnCompleted(t *testing.T) {
	store := newMemRecords()
	tr := NewTracker(store, DefaultWeights)
	ctx := context.Background()

	if err := tr.OnCompleted(ctx, store, "seller", "buyer"); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"seller", "buyer"} {
		s, err := tr.Score(ctx, u)
		if err != nil {
			t.Fatal(err)
		}
		if s.Record.CompletedCount != 1 {
			t.Errorf("%s completed = %d, want 1", u, s.Record.CompletedCount)
		}
	}
}

func TestOnDisputeResolved(t *testing.T) {
	tests := []struct {
		verdict      Verdict
		sellerLosses int64
		buyerLosses  int64
	}{
		{FavorSeller, 0, 1},
		{FavorBuyer, 1, 0},
		{FavorNeither, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.verdict.String(), func(t *testing.T) {
			store := newMemRecords()
			tr := NewTracker(store, DefaultWeights)
			ctx := context.Background()

			if err := tr.OnDisputeResolved(ctx, store, "s", "b", tt.verdict); err != nil {
				t.Fatal(err)
			}
			s, _ := tr.Score(ctx, "s")
			b, _ := tr.Score(ctx, "b")
			if s.Record.DisputedCount != 1 || b.Record.DisputedCount != 1 {
				t.Errorf("disputed counts = %d/%d, want 1/1", s.Record.DisputedCount, b.Record.DisputedCount)
			}
			if s.Record.DisputeLossCount != tt.sellerLosses {
				t.Errorf("seller losses = %d, want %d", s.Record.DisputeLossCount, tt.sellerLosses)
			}
			if b.Record.DisputeLossCount != tt.buyerLosses {
				t.Errorf("buyer losses = %d, want %d", b.Record.DisputeLossCount, tt.buyerLosses)
			}
		})
	}
}

func TestScore_UnknownUser(t *testing.T) {
	tr := NewTracker(newMemRecords(), DefaultWeights)
	s, err := tr.Score(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if s.UserID != "nobody" || s.Score != 0 || s.Tier != TierNew {
		t.Errorf("unexpected score for unknown user: %+v", s)
	}
}

func TestScore_ReaderError(t *testing.T) {
	store := newMemRecords()
	store.err = errors.New("db down")
	tr := NewTracker(store, DefaultWeights)
	if _, err := tr.Score(context.Background(), "u"); err == nil {
		t.Fatal("expected error")
	}
}

func TestConcurrentDeltasAreNotLost(t *testing.T) {
	store := newMemRecords()
	tr := NewTracker(store, DefaultWeights)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.OnCompleted(ctx, store, "hot")
		}()
	}
	wg.Wait()

	s, _ := tr.Score(ctx, "hot")
	if s.Record.CompletedCount != 50 {
		t.Errorf("completed = %d, want 50", s.Record.CompletedCount)
	}
}
