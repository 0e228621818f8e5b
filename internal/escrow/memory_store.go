package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/reputation"
	"github.com/mbd888/escrowcore/internal/syncutil"
)

// MemoryStore is an in-memory store for demo/development mode. Exclusive
// sections are per transaction id; writes are staged and applied under the
// store mutex at commit.
type MemoryStore struct {
	mu          sync.RWMutex
	txs         map[string]*Transaction
	disputes    map[string]*Dispute
	entries     map[string][]*ledger.Entry
	reputations map[string]*reputation.Record

	locks *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:         make(map[string]*Transaction),
		disputes:    make(map[string]*Dispute),
		entries:     make(map[string][]*ledger.Entry),
		reputations: make(map[string]*reputation.Record),
		locks:       syncutil.NewKeyedMutex(0),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTransactionsByUser(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.SellerID == userID || t.BuyerID == userID {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, afterID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for id, t := range m.txs {
		if id > afterID {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.State == StateCreated && t.ExpiresAt.Before(before) {
			result = append(result, t.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDisputesByState(_ context.Context, state DisputeState, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.State == state {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if ri, rj := result[i].Priority.Rank(), result[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return truncateDisputes(result, limit), nil
}

func (m *MemoryStore) ListDisputesByUser(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if t, ok := m.txs[d.TransactionID]; ok && t.IsParty(userID) {
			result = append(result, d.Clone())
		}
	}
	return truncateDisputes(newestFirst(result), limit), nil
}

func (m *MemoryStore) ListDisputesByResolver(_ context.Context, resolverID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.ResolverID == resolverID {
			result = append(result, d.Clone())
		}
	}
	return truncateDisputes(newestFirst(result), limit), nil
}

func newestFirst(ds []*Dispute) []*Dispute {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].OpenedAt.After(ds[j].OpenedAt)
	})
	return ds
}

func truncateDisputes(ds []*Dispute, limit int) []*Dispute {
	if limit > 0 && len(ds) > limit {
		return ds[:limit]
	}
	return ds
}

func (m *MemoryStore) Entries(_ context.Context, transactionID string) ([]*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.entries[transactionID]), nil
}

func (m *MemoryStore) GetReputation(_ context.Context, userID string) (*reputation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reputations[userID]
	if !ok {
		return &reputation.Record{UserID: userID}, nil
	}
	cp := *r
	return &cp, nil
}

// Atomic implements Store.
func (m *MemoryStore) Atomic(ctx context.Context, transactionID string, fn func(tx Tx) error) error {
	unlock, err := m.locks.LockContext(ctx, transactionID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memoryTx{store: m, id: transactionID, disputes: make(map[string]*Dispute)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx stages writes for one exclusive section.
type memoryTx struct {
	store *MemoryStore
	id    string

	tx       *Transaction
	disputes map[string]*Dispute
	entries  []*ledger.Entry
	deltas   []reputation.Delta
	done     bool
}

func (t *memoryTx) Transaction(ctx context.Context) (*Transaction, error) {
	if t.tx != nil {
		return t.tx.Clone(), nil
	}
	return t.store.GetTransaction(ctx, t.id)
}

func (t *memoryTx) InsertTransaction(_ context.Context, tr *Transaction) error {
	if tr.ID != t.id {
		return fmt.Errorf("insert %s outside section for %s", tr.ID, t.id)
	}
	t.store.mu.RLock()
	_, exists := t.store.txs[tr.ID]
	t.store.mu.RUnlock()
	if exists || t.tx != nil {
		return fmt.Errorf("transaction %s already exists", tr.ID)
	}
	t.tx = tr.Clone()
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, tr *Transaction, prevVersion int64) error {
	if tr.ID != t.id {
		return fmt.Errorf("update %s outside section for %s", tr.ID, t.id)
	}
	cur, err := t.Transaction(ctx)
	if err != nil {
		return err
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("%w: transaction %s at version %d, expected %d", ErrConflict, tr.ID, cur.Version, prevVersion)
	}
	t.tx = tr.Clone()
	return nil
}

func (t *memoryTx) Dispute(ctx context.Context, id string) (*Dispute, error) {
	if d, ok := t.disputes[id]; ok {
		return d.Clone(), nil
	}
	d, err := t.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TransactionID != t.id {
		return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (t *memoryTx) InsertDispute(_ context.Context, d *Dispute) error {
	if d.TransactionID != t.id {
		return fmt.Errorf("dispute %s belongs to %s, not %s", d.ID, d.TransactionID, t.id)
	}
	t.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memoryTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	if _, err := t.Dispute(ctx, d.ID); err != nil {
		return err
	}
	t.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memoryTx) Entries(ctx context.Context, transactionID string) ([]*ledger.Entry, error) {
	committed, err := t.store.Entries(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if transactionID != t.id {
		return committed, nil
	}
	return append(committed, copyEntries(t.entries)...), nil
}

func (t *memoryTx) AppendEntries(_ context.Context, entries ...*ledger.Entry) error {
	for _, e := range entries {
		if e.TransactionID != t.id {
			return fmt.Errorf("entry for %s outside section for %s", e.TransactionID, t.id)
		}
	}
	t.entries = append(t.entries, copyEntries(entries)...)
	return nil
}

func (t *memoryTx) ApplyReputation(_ context.Context, deltas ...reputation.Delta) error {
	t.deltas = append(t.deltas, deltas...)
	return nil
}

func (t *memoryTx) commit() error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.tx != nil {
		s.txs[t.tx.ID] = t.tx
	}
	for id, d := range t.disputes {
		s.disputes[id] = d
	}
	if len(t.entries) > 0 {
		s.entries[t.id] = append(s.entries[t.id], t.entries...)
	}
	now := time.Now().UTC()
	for _, d := range t.deltas {
		r, ok := s.reputations[d.UserID]
		if !ok {
			r = &reputation.Record{UserID: d.UserID}
			s.reputations[d.UserID] = r
		}
		r.Apply(d)
		r.UpdatedAt = now
	}
	return nil
}

func copyEntries(in []*ledger.Entry) []*ledger.Entry {
	out := make([]*ledger.Entry, len(in))
	for i, e := range in {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
