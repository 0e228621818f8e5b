package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/reputation"
)

// PostgresStore persists escrow data in PostgreSQL. Exclusive sections are
// SQL transactions holding a transaction-scoped advisory lock on the
// transaction id; updates are additionally guarded by version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const transactionColumns = `id, seller_id, buyer_id, item, amount, currency, payment_method_ref,
		       state, funding_proof_ref, dispute_id, seller_cancel_vote, buyer_cancel_vote,
		       created_at, expires_at, funded_at, delivered_at, completed_at, cancelled_at,
		       resolved_at, updated_at, version`

const disputeColumns = `id, transaction_id, opener_id, dispute_type, priority, reason, evidence, state,
		       outcome_kind, seller_share, resolver_id, rationale,
		       opened_at, review_started_at, resolved_at`

// priorityRank mirrors DisputePriority.Rank for ORDER BY.
const priorityRank = `CASE priority WHEN 'urgent' THEN 2 WHEN 'high' THEN 1 ELSE 0 END`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, p.db, id, false)
}

func (p *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, afterID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE state = 'created'
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, p.db, id, "")
}

func (p *PostgresStore) ListDisputesByState(ctx context.Context, state DisputeState, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE state = $1
		ORDER BY `+priorityRank+` DESC, opened_at
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListDisputesByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id IN (
			SELECT id FROM transactions WHERE seller_id = $1 OR buyer_id = $1
		)
		ORDER BY opened_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListDisputesByResolver(ctx context.Context, resolverID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE resolver_id = $1
		ORDER BY opened_at DESC
		LIMIT $2`, resolverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) Entries(ctx context.Context, transactionID string) ([]*ledger.Entry, error) {
	return listEntries(ctx, p.db, transactionID)
}

func (p *PostgresStore) GetReputation(ctx context.Context, userID string) (*reputation.Record, error) {
	r := &reputation.Record{UserID: userID}
	var updatedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT completed_count, disputed_count, dispute_loss_count, updated_at
		FROM reputation
		WHERE user_id = $1`, userID,
	).Scan(&r.CompletedCount, &r.DisputedCount, &r.DisputeLossCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = updatedAt.Time
	return r, nil
}

// Atomic implements Store.
func (p *PostgresStore) Atomic(ctx context.Context, transactionID string, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, transactionID); err != nil {
		return fmt.Errorf("lock %s: %w", transactionID, err)
	}

	if err := fn(&postgresTx{tx: sqlTx, id: transactionID}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// postgresTx is the unit of work for one exclusive section.
type postgresTx struct {
	tx *sql.Tx
	id string
}

func (t *postgresTx) Transaction(ctx context.Context) (*Transaction, error) {
	return getTransaction(ctx, t.tx, t.id, true)
}

func (t *postgresTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	if tr.ID != t.id {
		return fmt.Errorf("insert %s outside section for %s", tr.ID, t.id)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21
		)`,
		tr.ID, tr.SellerID, nullString(tr.BuyerID), tr.Item, tr.Amount, tr.Currency, nullString(tr.PaymentMethodRef),
		string(tr.State), nullString(tr.FundingProofRef), nullString(tr.DisputeID), tr.SellerCancelVote, tr.BuyerCancelVote,
		tr.CreatedAt, tr.ExpiresAt, nullTime(tr.FundedAt), nullTime(tr.DeliveredAt), nullTime(tr.CompletedAt), nullTime(tr.CancelledAt),
		nullTime(tr.ResolvedAt), tr.UpdatedAt, tr.Version,
	)
	return err
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, tr *Transaction, prevVersion int64) error {
	if tr.ID != t.id {
		return fmt.Errorf("update %s outside section for %s", tr.ID, t.id)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET
			buyer_id = $1, state = $2, funding_proof_ref = $3, dispute_id = $4,
			seller_cancel_vote = $5, buyer_cancel_vote = $6,
			funded_at = $7, delivered_at = $8, completed_at = $9, cancelled_at = $10,
			resolved_at = $11, updated_at = $12, version = $13
		WHERE id = $14 AND version = $15`,
		nullString(tr.BuyerID), string(tr.State), nullString(tr.FundingProofRef), nullString(tr.DisputeID),
		tr.SellerCancelVote, tr.BuyerCancelVote,
		nullTime(tr.FundedAt), nullTime(tr.DeliveredAt), nullTime(tr.CompletedAt), nullTime(tr.CancelledAt),
		nullTime(tr.ResolvedAt), tr.UpdatedAt, tr.Version,
		tr.ID, prevVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: transaction %s no longer at version %d", ErrConflict, tr.ID, prevVersion)
	}
	return nil
}

func (t *postgresTx) Dispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, t.tx, id, t.id)
}

func (t *postgresTx) InsertDispute(ctx context.Context, d *Dispute) error {
	if d.TransactionID != t.id {
		return fmt.Errorf("dispute %s belongs to %s, not %s", d.ID, d.TransactionID, t.id)
	}
	evidence, kind, share, err := disputeColumnsFor(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		)`,
		d.ID, d.TransactionID, d.OpenerID, string(d.Type), string(d.Priority), d.Reason, evidence, string(d.State),
		kind, share, nullString(d.ResolverID), nullString(d.Rationale),
		d.OpenedAt, nullTime(d.ReviewStartedAt), nullTime(d.ResolvedAt),
	)
	return err
}

func (t *postgresTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	evidence, kind, share, err := disputeColumnsFor(d)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, state = $2, outcome_kind = $3, seller_share = $4,
			resolver_id = $5, rationale = $6, review_started_at = $7, resolved_at = $8
		WHERE id = $9 AND transaction_id = $10`,
		evidence, string(d.State), kind, share,
		nullString(d.ResolverID), nullString(d.Rationale), nullTime(d.ReviewStartedAt), nullTime(d.ResolvedAt),
		d.ID, t.id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("dispute %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) Entries(ctx context.Context, transactionID string) ([]*ledger.Entry, error) {
	return listEntries(ctx, t.tx, transactionID)
}

func (t *postgresTx) AppendEntries(ctx context.Context, entries ...*ledger.Entry) error {
	for _, e := range entries {
		if e.TransactionID != t.id {
			return fmt.Errorf("entry for %s outside section for %s", e.TransactionID, t.id)
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account, direction, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.TransactionID, string(e.Account), string(e.Direction), e.Amount, e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) ApplyReputation(ctx context.Context, deltas ...reputation.Delta) error {
	for _, d := range deltas {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO reputation (user_id, completed_count, disputed_count, dispute_loss_count, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				completed_count    = reputation.completed_count + EXCLUDED.completed_count,
				disputed_count     = reputation.disputed_count + EXCLUDED.disputed_count,
				dispute_loss_count = reputation.dispute_loss_count + EXCLUDED.dispute_loss_count,
				updated_at         = NOW()`,
			d.UserID, d.Completed, d.Disputed, d.Losses,
		); err != nil {
			return err
		}
	}
	return nil
}

func getTransaction(ctx context.Context, q queryer, id string, forUpdate bool) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t, err
}

// getDispute loads a dispute; a non-empty transactionID scopes the lookup.
func getDispute(ctx context.Context, q queryer, id, transactionID string) (*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	args := []any{id}
	if transactionID != "" {
		query += ` AND transaction_id = $2`
		args = append(args, transactionID)
	}
	d, err := scanDispute(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
	}
	return d, err
}

func listEntries(ctx context.Context, q queryer, transactionID string) ([]*ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, account, direction, amount, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ledger.Entry
	for rows.Next() {
		e := &ledger.Entry{}
		var account, direction string
		if err := rows.Scan(&e.ID, &e.TransactionID, &account, &direction, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Account = ledger.Account(account)
		e.Direction = ledger.Direction(direction)
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		buyerID          sql.NullString
		paymentMethodRef sql.NullString
		state            string
		fundingProofRef  sql.NullString
		disputeID        sql.NullString
		fundedAt         sql.NullTime
		deliveredAt      sql.NullTime
		completedAt      sql.NullTime
		cancelledAt      sql.NullTime
		resolvedAt       sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.SellerID, &buyerID, &t.Item, &t.Amount, &t.Currency, &paymentMethodRef,
		&state, &fundingProofRef, &disputeID, &t.SellerCancelVote, &t.BuyerCancelVote,
		&t.CreatedAt, &t.ExpiresAt, &fundedAt, &deliveredAt, &completedAt, &cancelledAt,
		&resolvedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	t.BuyerID = buyerID.String
	t.PaymentMethodRef = paymentMethodRef.String
	t.FundingProofRef = fundingProofRef.String
	t.DisputeID = disputeID.String
	t.FundedAt = timePtr(fundedAt)
	t.DeliveredAt = timePtr(deliveredAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.ResolvedAt = timePtr(resolvedAt)
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		evidenceJSON    []byte
		disputeType     string
		priority        string
		state           string
		outcomeKind     sql.NullString
		sellerShare     decimal.NullDecimal
		resolverID      sql.NullString
		rationale       sql.NullString
		reviewStartedAt sql.NullTime
		resolvedAt      sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.TransactionID, &d.OpenerID, &disputeType, &priority, &d.Reason, &evidenceJSON, &state,
		&outcomeKind, &sellerShare, &resolverID, &rationale,
		&d.OpenedAt, &reviewStartedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = DisputeType(disputeType)
	d.Priority = DisputePriority(priority)
	d.State = DisputeState(state)
	d.ResolverID = resolverID.String
	d.Rationale = rationale.String
	d.ReviewStartedAt = timePtr(reviewStartedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &d.Evidence); err != nil {
			return nil, fmt.Errorf("dispute %s evidence: %w", d.ID, err)
		}
	}
	if outcomeKind.Valid {
		doc := OutcomeDoc{Kind: outcomeKind.String}
		if sellerShare.Valid {
			doc.SellerShare = &sellerShare.Decimal
		}
		o, err := doc.Decode()
		if err != nil {
			return nil, fmt.Errorf("dispute %s outcome: %w", d.ID, err)
		}
		d.Resolution = o
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func disputeColumnsFor(d *Dispute) (evidence []byte, kind sql.NullString, share decimal.NullDecimal, err error) {
	ev := d.Evidence
	if ev == nil {
		ev = []Evidence{}
	}
	evidence, err = json.Marshal(ev)
	if err != nil {
		return nil, kind, share, err
	}
	if doc := EncodeOutcome(d.Resolution); doc != nil {
		kind = sql.NullString{String: doc.Kind, Valid: true}
		if doc.SellerShare != nil {
			share = decimal.NullDecimal{Decimal: *doc.SellerShare, Valid: true}
		}
	}
	return evidence, kind, share, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
