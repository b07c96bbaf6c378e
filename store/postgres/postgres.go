// Package postgres provides the durable settlement store backed by
// PostgreSQL. All monetary mutations are single conditional UPDATE
// statements; the database enforces the non-negativity and conservation
// invariants with CHECK constraints as a second line of defense.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/store"
)

//go:embed schema.sql
var schema string

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default pool settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Connect opens a connection pool, verifies it, and applies the schema.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const transferColumns = `id, from_address, to_address, lamports, reference_cents,
	conversion_rate, purpose, status, signature, error_reason, created_at, confirmed_at`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*paycore.PendingTransfer, error) {
	var t paycore.PendingTransfer
	var confirmedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.FromAddress, &t.ToAddress, &t.Lamports, &t.ReferenceCents,
		&t.ConversionRate, &t.Purpose, &t.Status, &t.Signature, &t.ErrorReason,
		&t.CreatedAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		t.ConfirmedAt = &confirmedAt.Time
	}
	return &t, nil
}

// CreateTransfer implements store.Store.
func (s *Store) CreateTransfer(ctx context.Context, t *paycore.PendingTransfer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paycore.pending_transfers (
			id, from_address, to_address, lamports, reference_cents,
			conversion_rate, purpose, status, signature, error_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.FromAddress, t.ToAddress, t.Lamports, t.ReferenceCents,
		t.ConversionRate, t.Purpose, t.Status, t.Signature, t.ErrorReason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

// GetTransfer implements store.Store.
func (s *Store) GetTransfer(ctx context.Context, id string) (*paycore.PendingTransfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM paycore.pending_transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// GetTransferBySignature implements store.Store.
func (s *Store) GetTransferBySignature(ctx context.Context, signature string) (*paycore.PendingTransfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM paycore.pending_transfers WHERE signature = $1`, signature)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// FinalizeTransfer implements store.Store. The status guard makes
// terminal transfers immutable; re-observation is a no-op.
func (s *Store) FinalizeTransfer(ctx context.Context, id string, status paycore.TransferStatus, errorReason string, confirmedAt time.Time) (bool, error) {
	var confirmed sql.NullTime
	if status == paycore.TransferConfirmed {
		confirmed = sql.NullTime{Time: confirmedAt, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE paycore.pending_transfers
		SET status = $2, error_reason = $3, confirmed_at = $4
		WHERE id = $1 AND status = 'submitted'
	`, id, status, errorReason, confirmed)
	if err != nil {
		return false, fmt.Errorf("failed to finalize transfer: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM paycore.pending_transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ListStaleSubmitted implements store.Store.
func (s *Store) ListStaleSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]*paycore.PendingTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM paycore.pending_transfers
		WHERE status = 'submitted' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale transfers: %w", err)
	}
	defer rows.Close()

	var out []*paycore.PendingTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const sessionColumns = `token, owner_address, resource_pattern, authorized_cents,
	spent_cents, status, expires_at, auto_renew, renewal_cents, created_at, last_used_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*paycore.Session, error) {
	var sess paycore.Session
	err := row.Scan(
		&sess.Token, &sess.OwnerAddress, &sess.ResourcePattern, &sess.AuthorizedCents,
		&sess.SpentCents, &sess.Status, &sess.ExpiresAt, &sess.AutoRenew,
		&sess.RenewalCents, &sess.CreatedAt, &sess.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession implements store.Store.
func (s *Store) CreateSession(ctx context.Context, sess *paycore.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paycore.sessions (
			token, owner_address, resource_pattern, authorized_cents,
			spent_cents, status, expires_at, auto_renew, renewal_cents,
			created_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.Token, sess.OwnerAddress, sess.ResourcePattern, sess.AuthorizedCents,
		sess.SpentCents, sess.Status, sess.ExpiresAt, sess.AutoRenew,
		sess.RenewalCents, sess.CreatedAt, sess.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession implements store.Store.
func (s *Store) GetSession(ctx context.Context, token string) (*paycore.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM paycore.sessions WHERE token = $1`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

// DeductSession implements store.Store. This single conditional UPDATE is
// the only write path for spent_cents; two concurrent callers can
// never both pass the guard for the same remaining balance.
func (s *Store) DeductSession(ctx context.Context, token string, cents int64, now time.Time) (*paycore.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE paycore.sessions
		SET spent_cents = spent_cents + $2,
		    status = CASE WHEN spent_cents + $2 = authorized_cents
		                  THEN 'depleted' ELSE status END,
		    last_used_at = $3
		WHERE token = $1
		  AND status = 'active'
		  AND expires_at > $3
		  AND spent_cents + $2 <= authorized_cents
		RETURNING `+sessionColumns, token, cents, now)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing session from a failed guard.
		var exists bool
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM paycore.sessions WHERE token = $1)`, token).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConditionFailed
	}
	return sess, err
}

// TransitionSession implements store.Store.
func (s *Store) TransitionSession(ctx context.Context, token string, from, to paycore.SessionStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paycore.sessions SET status = $3 WHERE token = $1 AND status = $2
	`, token, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM paycore.sessions WHERE token = $1)`, token).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// AppendDeduction implements store.Store.
func (s *Store) AppendDeduction(ctx context.Context, e *paycore.DeductionEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paycore.deduction_entries (id, session_token, resource_url, cents, ok, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.SessionToken, e.ResourceURL, e.Cents, e.OK, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deduction entry: %w", err)
	}
	return nil
}

// ListDeductions implements store.Store. limit <= 0 means no limit; it
// must never reach the query, where LIMIT 0 returns zero rows.
func (s *Store) ListDeductions(ctx context.Context, token string, limit int) ([]*paycore.DeductionEntry, error) {
	query := `
		SELECT id, session_token, resource_url, cents, ok, reason, created_at
		FROM paycore.deduction_entries
		WHERE session_token = $1
		ORDER BY created_at DESC`
	args := []interface{}{token}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deduction entries: %w", err)
	}
	defer rows.Close()

	var out []*paycore.DeductionEntry
	for rows.Next() {
		var e paycore.DeductionEntry
		if err := rows.Scan(&e.ID, &e.SessionToken, &e.ResourceURL, &e.Cents, &e.OK, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

const accountColumns = `owner_address, service_scope, balance, total_purchased, total_spent,
	auto_topup_enabled, auto_topup_threshold, auto_topup_cents, last_topup_tx, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*paycore.CreditAccount, error) {
	var a paycore.CreditAccount
	err := row.Scan(
		&a.OwnerAddress, &a.ServiceScope, &a.Balance, &a.TotalPurchased, &a.TotalSpent,
		&a.AutoTopupEnabled, &a.AutoTopupThreshold, &a.AutoTopupCents, &a.LastTopupTx, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetCreditAccount implements store.Store.
func (s *Store) GetCreditAccount(ctx context.Context, owner, scope string) (*paycore.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM paycore.credit_accounts WHERE owner_address = $1 AND service_scope = $2`,
		owner, scope)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

// SpendCredits implements store.Store.
func (s *Store) SpendCredits(ctx context.Context, owner, scope string, cents int64) (*paycore.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE paycore.credit_accounts
		SET balance = balance - $3,
		    total_spent = total_spent + $3,
		    updated_at = NOW()
		WHERE owner_address = $1 AND service_scope = $2 AND balance >= $3
		RETURNING `+accountColumns, owner, scope, cents)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM paycore.credit_accounts WHERE owner_address = $1 AND service_scope = $2)`,
			owner, scope).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConditionFailed
	}
	return a, err
}

// CreditTopUp implements store.Store.
func (s *Store) CreditTopUp(ctx context.Context, owner, scope string, cents int64, txSignature string) (*paycore.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO paycore.credit_accounts (
			owner_address, service_scope, balance, total_purchased, total_spent,
			last_topup_tx, updated_at
		) VALUES ($1, $2, $3, $3, 0, $4, NOW())
		ON CONFLICT (owner_address, service_scope)
		DO UPDATE SET balance = paycore.credit_accounts.balance + $3,
		              total_purchased = paycore.credit_accounts.total_purchased + $3,
		              last_topup_tx = $4,
		              updated_at = NOW()
		RETURNING `+accountColumns, owner, scope, cents, txSignature)

	return scanAccount(row)
}

// SetAutoTopup implements store.Store.
func (s *Store) SetAutoTopup(ctx context.Context, owner, scope string, enabled bool, thresholdCents, topupCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paycore.credit_accounts (
			owner_address, service_scope, auto_topup_enabled, auto_topup_threshold,
			auto_topup_cents, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (owner_address, service_scope)
		DO UPDATE SET auto_topup_enabled = $3,
		              auto_topup_threshold = $4,
		              auto_topup_cents = $5,
		              updated_at = NOW()
	`, owner, scope, enabled, thresholdCents, topupCents)
	if err != nil {
		return fmt.Errorf("failed to set auto top-up: %w", err)
	}
	return nil
}

// RedeemProof implements store.Store.
func (s *Store) RedeemProof(ctx context.Context, signature string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO paycore.proof_redemptions (signature) VALUES ($1)
		ON CONFLICT (signature) DO NOTHING
	`, signature)
	if err != nil {
		return fmt.Errorf("failed to redeem proof: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrAlreadyRedeemed
	}
	return nil
}
