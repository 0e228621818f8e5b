// Package escrow runs the lifecycle of peer-to-peer escrow transactions and
// the disputes raised against them.
//
// Flow:
//  1. Seller creates a transaction, buyer joins it
//  2. Payment watcher reports the funds, amount is held in escrow
//  3. Seller confirms delivery, buyer completes, escrow releases to seller
//  4. Either party may dispute; an admin reviews and resolves with a
//     release, a refund or a split
//  5. Unfunded transactions expire after their TTL
//
// Every mutation runs inside a per-transaction exclusive section owned by
// the Store and carries the caller's last observed version.
package escrow

import (
	"time"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateCreated   State = "created"
	StateFunded    State = "funded"
	StateDelivered State = "delivered"
	StateDisputed  State = "disputed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateResolved  State = "resolved"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateResolved:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateFunded, StateDelivered, StateDisputed,
		StateCompleted, StateCancelled, StateResolved:
		return true
	}
	return false
}

// DefaultTTL is how long an unfunded transaction stays open.
const DefaultTTL = 14 * 24 * time.Hour

// Role is the trust level of the caller.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor identifies who is performing an operation. Roles are trusted claims
// established by the transport layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is attributed to transitions driven by the service itself.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// User is shorthand for a plain user actor.
func User(id string) Actor {
	return Actor{ID: id, Role: RoleUser}
}

// Transaction is one escrowed trade between a seller and a buyer.
type Transaction struct {
	ID               string     `json:"id"`
	SellerID         string     `json:"sellerId"`
	BuyerID          string     `json:"buyerId,omitempty"`
	Item             string     `json:"item"`
	Amount           int64      `json:"amount"` // currency minor units
	Currency         string     `json:"currency"`
	PaymentMethodRef string     `json:"paymentMethodRef,omitempty"`
	State            State      `json:"state"`
	FundingProofRef  string     `json:"fundingProofRef,omitempty"`
	DisputeID        string     `json:"disputeId,omitempty"`
	SellerCancelVote bool       `json:"sellerCancelVote"`
	BuyerCancelVote  bool       `json:"buyerCancelVote"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	FundedAt         *time.Time `json:"fundedAt,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Version          int64      `json:"version"`
}

// IsParty reports whether userID is the seller or the joined buyer.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.SellerID || userID == t.BuyerID)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.FundedAt = cloneTime(t.FundedAt)
	cp.DeliveredAt = cloneTime(t.DeliveredAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.CancelledAt = cloneTime(t.CancelledAt)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateParams are the seller's terms for a new transaction.
type CreateParams struct {
	Item             string
	Amount           int64 // currency minor units, > 0
	Currency         string
	PaymentMethodRef string
}
