package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/escrowcore/internal/idgen"
	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/logging"
	"github.com/mbd888/escrowcore/internal/money"
	"github.com/mbd888/escrowcore/internal/reputation"
	"github.com/mbd888/escrowcore/internal/traces"
)

// Manager owns every transaction state change.
type Manager struct {
	store    Store
	tracker  *reputation.Tracker
	notifier Notifier
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
}

// NewManager creates a manager over store. A nil tracker scores with
// reputation.DefaultWeights.
func NewManager(store Store, tracker *reputation.Tracker) *Manager {
	if tracker == nil {
		tracker = reputation.NewTracker(store, reputation.DefaultWeights)
	}
	return &Manager{
		store:   store,
		tracker: tracker,
		logger:  slog.Default(),
		ttl:     DefaultTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier sets the receiver of committed transition events.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// WithTTL sets how long new transactions stay open unfunded.
func (m *Manager) WithTTL(d time.Duration) *Manager {
	if d > 0 {
		m.ttl = d
	}
	return m
}

// WithClock overrides the time source (for tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create opens a transaction with the calling user as seller.
func (m *Manager) Create(ctx context.Context, seller Actor, p CreateParams) (*Transaction, error) {
	const action = "create"
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.ActorID(seller.ID))
	defer span.End()
	defer observeOp(action)()

	if seller.Role != RoleUser || seller.ID == "" {
		return nil, m.fail(ctx, span, action, "", forbidden(seller, action))
	}
	if p.Amount <= 0 {
		return nil, m.fail(ctx, span, action, "", fmt.Errorf("%w: amount must be positive", ErrInvalidAmount))
	}
	currency := money.Normalize(p.Currency)
	if !money.Supported(currency) {
		return nil, m.fail(ctx, span, action, "", fmt.Errorf("%w: %q", money.ErrUnsupportedCurrency, p.Currency))
	}
	span.SetAttributes(traces.Amount(p.Amount, currency)...)

	now := m.now()
	t := &Transaction{
		ID:               idgen.WithPrefix(idgen.PrefixTransaction),
		SellerID:         seller.ID,
		Item:             p.Item,
		Amount:           p.Amount,
		Currency:         currency,
		PaymentMethodRef: p.PaymentMethodRef,
		State:            StateCreated,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
		UpdatedAt:        now,
		Version:          1,
	}
	span.SetAttributes(traces.TransactionID(t.ID))

	err := m.store.Atomic(ctx, t.ID, func(tx Tx) error {
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, m.fail(ctx, span, action, t.ID, err)
	}
	m.committed(ctx, action, "", t, seller)
	return t, nil
}

// Join records the calling user as the transaction's buyer.
func (m *Manager) Join(ctx context.Context, id string, buyer Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "join", id, buyer, func(_ context.Context, _ Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if buyer.Role != RoleUser || buyer.ID == "" {
			return forbidden(buyer, "join")
		}
		if buyer.ID == t.SellerID {
			return forbidden(buyer, "join their own transaction")
		}
		if t.State != StateCreated || t.BuyerID != "" {
			return invalidTransition(t.State, "join")
		}
		t.BuyerID = buyer.ID
		return nil
	})
}

// NotifyFunded records funds observed on the payment rail and holds them in
// escrow. The observed amount must match exactly.
func (m *Manager) NotifyFunded(ctx context.Context, id string, actor Actor, observed int64, proofRef string, version int64) (*Transaction, error) {
	return m.mutate(ctx, "fund", id, actor, func(ctx context.Context, tx Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if actor.Role != RoleSystem {
			return forbidden(actor, "report funding")
		}
		if t.State != StateCreated {
			return invalidTransition(t.State, "fund")
		}
		if t.BuyerID == "" {
			return invalidTransition(t.State, "fund before a buyer joins")
		}
		if observed != t.Amount {
			return fmt.Errorf("%w: observed %d, expected %d", ErrAmountMismatch, observed, t.Amount)
		}
		if err := m.ledger(tx).Hold(ctx, t.ID, t.Amount); err != nil {
			return err
		}
		now := m.now()
		t.State = StateFunded
		t.FundedAt = &now
		t.FundingProofRef = proofRef
		return nil
	})
}

// ConfirmDelivery marks the goods or service delivered. Seller only.
func (m *Manager) ConfirmDelivery(ctx context.Context, id string, seller Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "deliver", id, seller, func(_ context.Context, _ Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if err := requireUser(seller, t.SellerID, "confirm delivery"); err != nil {
			return err
		}
		if t.State != StateFunded {
			return invalidTransition(t.State, "confirm delivery")
		}
		now := m.now()
		t.State = StateDelivered
		t.DeliveredAt = &now
		return nil
	})
}

// Complete releases the escrow to the seller and credits both parties with
// a completed trade. Buyer only.
func (m *Manager) Complete(ctx context.Context, id string, buyer Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "complete", id, buyer, func(ctx context.Context, tx Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if err := requireUser(buyer, t.BuyerID, "complete"); err != nil {
			return err
		}
		if t.State != StateDelivered {
			return invalidTransition(t.State, "complete")
		}
		if err := m.ledger(tx).Release(ctx, t.ID, ledger.AccountSeller, t.Amount); err != nil {
			return err
		}
		if err := m.tracker.OnCompleted(ctx, tx, t.SellerID, t.BuyerID); err != nil {
			return err
		}
		now := m.now()
		t.State = StateCompleted
		t.CompletedAt = &now
		return nil
	})
}

// Cancel withdraws an unfunded transaction. Seller only.
func (m *Manager) Cancel(ctx context.Context, id string, seller Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "cancel", id, seller, func(_ context.Context, _ Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if err := requireUser(seller, t.SellerID, "cancel"); err != nil {
			return err
		}
		if t.State != StateCreated {
			return invalidTransition(t.State, "cancel")
		}
		now := m.now()
		t.State = StateCancelled
		t.CancelledAt = &now
		return nil
	})
}

// Expire cancels an unfunded transaction whose TTL has passed. Expiring a
// transaction that is already terminal succeeds without change.
func (m *Manager) Expire(ctx context.Context, id string, actor Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "expire", id, actor, func(_ context.Context, _ Tx, t *Transaction) error {
		if actor.Role != RoleSystem {
			return forbidden(actor, "expire")
		}
		if t.State.IsTerminal() {
			return errNoop
		}
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if t.State != StateCreated {
			return invalidTransition(t.State, "expire")
		}
		now := m.now()
		if now.Before(t.ExpiresAt) {
			return invalidTransition(t.State, "expire before "+t.ExpiresAt.Format(time.RFC3339))
		}
		t.State = StateCancelled
		t.CancelledAt = &now
		return nil
	})
}

// OpenDispute freezes a funded transaction pending arbitration. While a
// dispute is active, a repeat call returns it instead of opening another.
// Pending cancel votes are discarded. An empty typ is DisputeOther; the
// dispute's priority follows from typ and the escrowed amount.
func (m *Manager) OpenDispute(ctx context.Context, id string, opener Actor, typ DisputeType, reason string, version int64) (*Dispute, *Transaction, error) {
	var dispute *Dispute
	t, err := m.mutate(ctx, "open_dispute", id, opener, func(ctx context.Context, tx Tx, t *Transaction) error {
		if opener.Role != RoleUser || !t.IsParty(opener.ID) {
			return forbidden(opener, "open a dispute")
		}
		if t.State == StateDisputed && t.DisputeID != "" {
			existing, err := tx.Dispute(ctx, t.DisputeID)
			if err != nil {
				return err
			}
			if existing.State.Active() {
				dispute = existing
				return errNoop
			}
		}
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if t.State != StateFunded && t.State != StateDelivered {
			return invalidTransition(t.State, "open a dispute")
		}
		kind, err := ParseDisputeType(string(typ))
		if err != nil {
			return err
		}
		d := newDispute(t, opener.ID, kind, reason, m.now())
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		t.State = StateDisputed
		t.DisputeID = d.ID
		t.SellerCancelVote = false
		t.BuyerCancelVote = false
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dispute, t, nil
}

// VoteCancel records one party's consent to unwind a funded transaction.
// Once both parties have voted the escrow is refunded to the buyer and the
// transaction is cancelled. Repeating a vote changes nothing.
func (m *Manager) VoteCancel(ctx context.Context, id string, party Actor, version int64) (*Transaction, error) {
	return m.mutate(ctx, "vote_cancel", id, party, func(ctx context.Context, tx Tx, t *Transaction) error {
		if err := checkVersion(t, version); err != nil {
			return err
		}
		if party.Role != RoleUser || !t.IsParty(party.ID) {
			return forbidden(party, "vote to cancel")
		}
		if t.State != StateFunded && t.State != StateDelivered {
			return invalidTransition(t.State, "vote to cancel")
		}
		switch party.ID {
		case t.SellerID:
			if t.SellerCancelVote {
				return errNoop
			}
			t.SellerCancelVote = true
		case t.BuyerID:
			if t.BuyerCancelVote {
				return errNoop
			}
			t.BuyerCancelVote = true
		}
		if !t.SellerCancelVote || !t.BuyerCancelVote {
			return nil
		}
		if err := m.ledger(tx).Release(ctx, t.ID, ledger.AccountBuyer, t.Amount); err != nil {
			return err
		}
		now := m.now()
		t.State = StateCancelled
		t.CancelledAt = &now
		return nil
	})
}

// Get returns a transaction by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Transaction, error) {
	return m.store.GetTransaction(ctx, id)
}

// ListByUser returns transactions where userID is seller or buyer, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return m.store.ListTransactionsByUser(ctx, userID, clampLimit(limit))
}

// Balance returns one ledger account balance for a transaction.
func (m *Manager) Balance(ctx context.Context, id string, account ledger.Account) (int64, error) {
	if !account.Valid() {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAccount, account)
	}
	entries, err := m.Entries(ctx, id)
	if err != nil {
		return 0, err
	}
	return ledger.Balance(entries, account), nil
}

// Entries returns a transaction's ledger entries in posting order.
func (m *Manager) Entries(ctx context.Context, id string) ([]*ledger.Entry, error) {
	if _, err := m.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Entries(ctx, id)
}

// mutate loads transaction id inside its exclusive section and applies fn.
// On success the version is bumped, the result persisted, and an event
// emitted after commit. fn returning errNoop commits nothing and mutate
// returns the transaction as loaded.
func (m *Manager) mutate(ctx context.Context, action, id string, actor Actor, fn func(ctx context.Context, tx Tx, t *Transaction) error) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+action,
		traces.TransactionID(id), traces.ActorID(actor.ID), traces.ActorRole(string(actor.Role)))
	defer span.End()
	defer observeOp(action)()

	var (
		out  *Transaction
		from State
	)
	err := m.store.Atomic(ctx, id, func(tx Tx) error {
		t, err := tx.Transaction(ctx)
		if err != nil {
			return err
		}
		from = t.State
		prev := t.Version
		if err := fn(ctx, tx, t); err != nil {
			if errors.Is(err, errNoop) {
				out = t
			}
			return err
		}
		t.Version = prev + 1
		t.UpdatedAt = m.now()
		if err := tx.UpdateTransaction(ctx, t, prev); err != nil {
			return err
		}
		out = t
		return nil
	})
	switch {
	case errors.Is(err, errNoop):
		return out, nil
	case err != nil:
		return nil, m.fail(ctx, span, action, id, err)
	}
	span.SetAttributes(traces.Version(out.Version))
	m.committed(ctx, action, from, out, actor)
	return out, nil
}

func (m *Manager) ledger(tx Tx) *ledger.Ledger {
	return ledger.New(tx).WithClock(m.now)
}

func (m *Manager) fail(ctx context.Context, span trace.Span, action, id string, err error) error {
	kind := Kind(err)
	OperationErrorsTotal.WithLabelValues(action, kind).Inc()
	traces.RecordError(span, err)
	if kind == "internal_error" {
		m.log(ctx).Error("escrow operation failed", "action", action, "transactionId", id, "error", err)
	} else {
		m.log(ctx).Debug("escrow operation refused", "action", action, "transactionId", id, "kind", kind, "error", err)
	}
	return err
}

func (m *Manager) committed(ctx context.Context, action string, from State, t *Transaction, actor Actor) {
	TransitionsTotal.WithLabelValues(action, string(from), string(t.State)).Inc()
	if t.State.IsTerminal() && from != t.State {
		TimeToSettle.WithLabelValues(string(t.State)).Observe(t.UpdatedAt.Sub(t.CreatedAt).Seconds())
	}
	m.log(ctx).Info("escrow transition",
		"action", action,
		"transactionId", t.ID,
		"from", from,
		"to", t.State,
		"actor", actor.ID,
		"version", t.Version,
	)

	if m.notifier == nil {
		return
	}
	e := Event{
		ID:            idgen.WithPrefix(idgen.PrefixEvent),
		Action:        action,
		TransactionID: t.ID,
		DisputeID:     t.DisputeID,
		From:          from,
		To:            t.State,
		Actor:         actor,
		Version:       t.Version,
		Timestamp:     m.now(),
	}
	if err := m.notifier.Notify(ctx, e); err != nil {
		NotifyFailuresTotal.Inc()
		m.log(ctx).Warn("event delivery failed", "transactionId", t.ID, "action", action, "error", err)
	}
}

func (m *Manager) log(ctx context.Context) *slog.Logger {
	if reqID := logging.RequestID(ctx); reqID != "" {
		return m.logger.With("request_id", reqID)
	}
	return m.logger
}

func checkVersion(t *Transaction, version int64) error {
	if t.Version != version {
		return fmt.Errorf("%w: transaction %s is at version %d, caller observed %d", ErrConflict, t.ID, t.Version, version)
	}
	return nil
}

func requireUser(actor Actor, userID, action string) error {
	if actor.Role != RoleUser || actor.ID == "" || actor.ID != userID {
		return forbidden(actor, action)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
