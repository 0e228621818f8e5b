package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowcore/internal/idgen"
	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/traces"
)

// Resolver runs the dispute sub-process: open, review, resolve. It reaches
// the disputed transaction only through the Manager's exclusive section.
type Resolver struct {
	manager *Manager
	store   Store
}

// NewResolver creates a resolver driving transactions through m.
func NewResolver(m *Manager) *Resolver {
	return &Resolver{manager: m, store: m.store}
}

// Open raises a dispute on a funded or delivered transaction.
func (r *Resolver) Open(ctx context.Context, transactionID string, opener Actor, typ DisputeType, reason string, version int64) (*Dispute, *Transaction, error) {
	return r.manager.OpenDispute(ctx, transactionID, opener, typ, reason, version)
}

// AddEvidence attaches a submission from a party or an admin. Evidence is
// accepted only while the dispute is open or under review.
func (r *Resolver) AddEvidence(ctx context.Context, disputeID string, submitter Actor, payloadRef string) (*Dispute, error) {
	const action = "add_evidence"
	ctx, span := traces.StartSpan(ctx, "escrow."+action, traces.DisputeID(disputeID), traces.ActorID(submitter.ID))
	defer span.End()
	defer observeOp(action)()

	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, r.manager.fail(ctx, span, action, "", err)
	}

	var out *Dispute
	err = r.store.Atomic(ctx, d.TransactionID, func(tx Tx) error {
		d, err := tx.Dispute(ctx, disputeID)
		if err != nil {
			return err
		}
		t, err := tx.Transaction(ctx)
		if err != nil {
			return err
		}
		if submitter.Role != RoleAdmin && (submitter.Role != RoleUser || !t.IsParty(submitter.ID)) {
			return forbidden(submitter, "submit evidence")
		}
		if !d.State.Active() {
			return fmt.Errorf("%w: dispute %s is %s", ErrClosed, d.ID, d.State)
		}
		d.Evidence = append(d.Evidence, Evidence{
			Submitter:   submitter.ID,
			PayloadRef:  payloadRef,
			SubmittedAt: r.manager.now(),
		})
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, r.manager.fail(ctx, span, action, d.TransactionID, err)
	}
	r.manager.log(ctx).Info("dispute evidence added", "disputeId", disputeID, "submitter", submitter.ID)
	return out, nil
}

// BeginReview moves an open dispute under review and assigns the admin.
func (r *Resolver) BeginReview(ctx context.Context, disputeID string, admin Actor) (*Dispute, error) {
	const action = "begin_review"
	ctx, span := traces.StartSpan(ctx, "escrow."+action, traces.DisputeID(disputeID), traces.ActorID(admin.ID))
	defer span.End()
	defer observeOp(action)()

	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, r.manager.fail(ctx, span, action, "", err)
	}
	if admin.Role != RoleAdmin {
		return nil, r.manager.fail(ctx, span, action, d.TransactionID, forbidden(admin, "review disputes"))
	}

	var out *Dispute
	err = r.store.Atomic(ctx, d.TransactionID, func(tx Tx) error {
		d, err := tx.Dispute(ctx, disputeID)
		if err != nil {
			return err
		}
		switch d.State {
		case DisputeResolved:
			return fmt.Errorf("%w: dispute %s", ErrAlreadyResolved, d.ID)
		case DisputeUnderReview:
			return invalidTransition(d.State, "begin review")
		}
		now := r.manager.now()
		d.State = DisputeUnderReview
		d.ResolverID = admin.ID
		d.ReviewStartedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, r.manager.fail(ctx, span, action, d.TransactionID, err)
	}
	r.manager.log(ctx).Info("dispute under review", "disputeId", disputeID, "resolver", admin.ID)
	return out, nil
}

// Resolve settles a dispute under review. The escrow is released according
// to outcome, the transaction moves to Resolved, and both parties'
// reputation is updated, all in one commit.
func (r *Resolver) Resolve(ctx context.Context, disputeID string, admin Actor, outcome Outcome, rationale string) (*Dispute, *Transaction, error) {
	const action = "resolve"
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, r.refuse(ctx, action, disputeID, err)
	}

	var out *Dispute
	t, err := r.manager.mutate(ctx, action, d.TransactionID, admin, func(ctx context.Context, tx Tx, t *Transaction) error {
		if admin.Role != RoleAdmin {
			return forbidden(admin, "resolve disputes")
		}
		if err := ValidateOutcome(outcome); err != nil {
			return err
		}
		d, err := tx.Dispute(ctx, disputeID)
		if err != nil {
			return err
		}
		switch d.State {
		case DisputeResolved:
			return fmt.Errorf("%w: dispute %s", ErrAlreadyResolved, d.ID)
		case DisputeOpen:
			return invalidTransition(d.State, "resolve")
		}
		if t.State != StateDisputed {
			return invalidTransition(t.State, "resolve")
		}

		toSeller, toBuyer, err := Allocate(outcome, t.Amount)
		if err != nil {
			return err
		}
		l := r.manager.ledger(tx)
		if toSeller > 0 {
			if err := l.Release(ctx, t.ID, ledger.AccountSeller, toSeller); err != nil {
				return err
			}
		}
		if toBuyer > 0 {
			if err := l.Release(ctx, t.ID, ledger.AccountBuyer, toBuyer); err != nil {
				return err
			}
		}
		if err := r.manager.tracker.OnDisputeResolved(ctx, tx, t.SellerID, t.BuyerID, VerdictOf(outcome)); err != nil {
			return err
		}

		now := r.manager.now()
		d.State = DisputeResolved
		d.Resolution = outcome
		d.ResolverID = admin.ID
		d.Rationale = rationale
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d

		t.State = StateResolved
		t.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, t, nil
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.GetDispute(ctx, id)
}

// ListByState returns disputes in state, highest priority first and oldest
// first within a priority.
func (r *Resolver) ListByState(ctx context.Context, state DisputeState, limit int) ([]*Dispute, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown dispute state %q", state)
	}
	return r.store.ListDisputesByState(ctx, state, clampLimit(limit))
}

// ListByUser returns disputes on transactions where userID is seller or
// buyer, newest first.
func (r *Resolver) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	return r.store.ListDisputesByUser(ctx, userID, clampLimit(limit))
}

// ListByResolver returns disputes reviewed or resolved by adminID, newest
// first.
func (r *Resolver) ListByResolver(ctx context.Context, adminID string, limit int) ([]*Dispute, error) {
	return r.store.ListDisputesByResolver(ctx, adminID, clampLimit(limit))
}

// refuse records an error raised before the exclusive section was entered.
func (r *Resolver) refuse(ctx context.Context, action, disputeID string, err error) error {
	ctx, span := traces.StartSpan(ctx, "escrow."+action, traces.DisputeID(disputeID))
	defer span.End()
	return r.manager.fail(ctx, span, action, "", err)
}

func newDispute(t *Transaction, openerID string, typ DisputeType, reason string, now time.Time) *Dispute {
	return &Dispute{
		ID:            idgen.WithPrefix(idgen.PrefixDispute),
		TransactionID: t.ID,
		OpenerID:      openerID,
		Type:          typ,
		Priority:      PriorityFor(t.Amount, t.Currency, typ),
		Reason:        reason,
		Evidence:      []Evidence{},
		State:         DisputeOpen,
		OpenedAt:      now,
	}
}
