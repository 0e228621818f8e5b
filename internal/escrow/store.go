package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/reputation"
)

// Reader serves committed state outside any exclusive section. Results are
// copies; nothing returned aliases store internals.
type Reader interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// ListTransactions pages through every transaction in id order, starting
	// after afterID.
	ListTransactions(ctx context.Context, afterID string, limit int) ([]*Transaction, error)
	// ListExpired returns Created transactions whose expires_at is before the
	// given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// ListDisputesByState orders by priority, highest first, then opened_at.
	ListDisputesByState(ctx context.Context, state DisputeState, limit int) ([]*Dispute, error)
	// ListDisputesByUser returns disputes on the user's transactions, newest
	// first.
	ListDisputesByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)
	ListDisputesByResolver(ctx context.Context, resolverID string, limit int) ([]*Dispute, error)
	Entries(ctx context.Context, transactionID string) ([]*ledger.Entry, error)
	reputation.Reader
}

// Store persists transactions, disputes, ledger entries and reputation
// counters.
type Store interface {
	Reader

	// Atomic runs fn inside the exclusive section for transactionID. All
	// writes made through tx commit together when fn returns nil and are
	// discarded otherwise. Waiting for the section honors ctx.
	Atomic(ctx context.Context, transactionID string, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
}

// Tx is the unit of work handed to Atomic. It is scoped to one transaction
// id and must not be used after fn returns.
type Tx interface {
	// Transaction loads the locked transaction, ErrNotFound if absent.
	Transaction(ctx context.Context) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	// UpdateTransaction persists t if the stored version still equals
	// prevVersion, ErrConflict otherwise.
	UpdateTransaction(ctx context.Context, t *Transaction, prevVersion int64) error

	Dispute(ctx context.Context, id string) (*Dispute, error)
	InsertDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error

	ledger.Journal
	reputation.Recorder
}
