// Package ledger is the double-entry record of where each escrow
// transaction's funds sit.
//
// Every mutation appends a balanced pair of entries:
//  1. Hold: debit rail, credit escrow (funds observed on the payment rail)
//  2. Release: debit escrow, credit seller or buyer
//
// Balances are derived by summing entries (credits minus debits), so for a
// funded transaction escrow + seller + buyer always equals the held amount
// and the rail account carries its negation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowcore/internal/idgen"
)

var (
	ErrAlreadyHeld        = errors.New("funds already held for this transaction")
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAccount     = errors.New("invalid release account")
	ErrUnbalanced         = errors.New("ledger entries are unbalanced")
)

// Account identifies one side of a posting within a transaction.
type Account string

const (
	AccountEscrow Account = "escrow" // Held by the system, attributable to no party
	AccountSeller Account = "seller"
	AccountBuyer  Account = "buyer"
	AccountRail   Account = "rail" // Clearing account for the external payment rail
)

// Valid reports whether a is a known account.
func (a Account) Valid() bool {
	switch a {
	case AccountEscrow, AccountSeller, AccountBuyer, AccountRail:
		return true
	}
	return false
}

// Direction is the side of a posting.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Entry is one immutable posting. Amount is in currency minor units and is
// always positive; Direction carries the sign.
type Entry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Account       Account   `json:"account"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// signed returns the entry's contribution to its account balance.
func (e *Entry) signed() int64 {
	if e.Direction == Credit {
		return e.Amount
	}
	return -e.Amount
}

// Journal is the entry storage a Ledger writes through. Implementations are
// scoped to a single store unit of work, so appends commit or roll back with
// the transition that issued them.
type Journal interface {
	Entries(ctx context.Context, transactionID string) ([]*Entry, error)
	AppendEntries(ctx context.Context, entries ...*Entry) error
}

// Ledger applies holds and releases against a Journal.
type Ledger struct {
	journal Journal
	now     func() time.Time
}

// New creates a ledger writing through journal.
func New(journal Journal) *Ledger {
	return &Ledger{journal: journal, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the entry timestamp source (for tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Hold records funds arriving in escrow for transactionID.
func (l *Ledger) Hold(ctx context.Context, transactionID string, amount int64) error {
	done := observeOp("hold")
	defer done()

	if amount <= 0 {
		return reject("hold", ErrInvalidAmount)
	}
	entries, err := l.journal.Entries(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Account == AccountRail {
			return reject("hold", ErrAlreadyHeld)
		}
	}
	return l.post(ctx, transactionID, entries, AccountRail, AccountEscrow, amount, "hold")
}

// Release moves amount from escrow to the seller or buyer account. Partial
// releases may be repeated while their sum stays within the held balance.
func (l *Ledger) Release(ctx context.Context, transactionID string, to Account, amount int64) error {
	done := observeOp("release")
	defer done()

	if to != AccountSeller && to != AccountBuyer {
		return reject("release", ErrInvalidAccount)
	}
	if amount <= 0 {
		return reject("release", ErrInvalidAmount)
	}
	entries, err := l.journal.Entries(ctx, transactionID)
	if err != nil {
		return err
	}
	if held := Balance(entries, AccountEscrow); held < amount {
		return reject("release", fmt.Errorf("%w: held %d, requested %d", ErrInsufficientEscrow, held, amount))
	}
	return l.post(ctx, transactionID, entries, AccountEscrow, to, amount, "release")
}

// Balance returns the current balance of account for transactionID.
func (l *Ledger) Balance(ctx context.Context, transactionID string, account Account) (int64, error) {
	entries, err := l.journal.Entries(ctx, transactionID)
	if err != nil {
		return 0, err
	}
	return Balance(entries, account), nil
}

func (l *Ledger) post(ctx context.Context, transactionID string, existing []*Entry, from, to Account, amount int64, op string) error {
	now := l.now()
	pair := []*Entry{
		{ID: idgen.WithPrefix(idgen.PrefixEntry), TransactionID: transactionID, Account: from, Direction: Debit, Amount: amount, CreatedAt: now},
		{ID: idgen.WithPrefix(idgen.PrefixEntry), TransactionID: transactionID, Account: to, Direction: Credit, Amount: amount, CreatedAt: now},
	}

	next := make([]*Entry, 0, len(existing)+len(pair))
	next = append(next, existing...)
	next = append(next, pair...)
	if err := Verify(next); err != nil {
		return reject(op, err)
	}
	return l.journal.AppendEntries(ctx, pair...)
}

// Balance sums credits minus debits on account.
func Balance(entries []*Entry, account Account) int64 {
	var total int64
	for _, e := range entries {
		if e.Account == account {
			total += e.signed()
		}
	}
	return total
}

// Balances is a per-account summary of one transaction's entries.
type Balances struct {
	Escrow int64 `json:"escrow"`
	Seller int64 `json:"seller"`
	Buyer  int64 `json:"buyer"`
	Rail   int64 `json:"rail"`
}

// Summarize computes all account balances for a transaction's entries.
func Summarize(entries []*Entry) Balances {
	return Balances{
		Escrow: Balance(entries, AccountEscrow),
		Seller: Balance(entries, AccountSeller),
		Buyer:  Balance(entries, AccountBuyer),
		Rail:   Balance(entries, AccountRail),
	}
}

// Verify checks the double-entry invariants over a set of entries: every
// entry is well formed, credits equal debits per transaction, and no
// transaction's escrow balance is negative.
func Verify(entries []*Entry) error {
	type sums struct{ credits, debits, escrow int64 }
	byTx := make(map[string]*sums)
	for _, e := range entries {
		if e.Amount <= 0 || !e.Account.Valid() || (e.Direction != Credit && e.Direction != Debit) {
			return fmt.Errorf("%w: malformed entry %s", ErrUnbalanced, e.ID)
		}
		s, ok := byTx[e.TransactionID]
		if !ok {
			s = &sums{}
			byTx[e.TransactionID] = s
		}
		if e.Direction == Credit {
			s.credits += e.Amount
		} else {
			s.debits += e.Amount
		}
		if e.Account == AccountEscrow {
			s.escrow += e.signed()
		}
	}
	for txID, s := range byTx {
		if s.credits != s.debits {
			return fmt.Errorf("%w: transaction %s credits %d debits %d", ErrUnbalanced, txID, s.credits, s.debits)
		}
		if s.escrow < 0 {
			return fmt.Errorf("%w: transaction %s escrow balance %d", ErrUnbalanced, txID, s.escrow)
		}
	}
	return nil
}
