package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the account tables. The composite primary key on
// applied_payments is the idempotency guard: a second insert for the same
// (account, payment) pair affects zero rows, and the balance mutation in
// the same transaction never happens.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			account_id     VARCHAR(36) PRIMARY KEY,
			credit_balance BIGINT NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_credit_balance_nonneg CHECK (credit_balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS applied_payments (
			account_id VARCHAR(36) NOT NULL,
			payment_id VARCHAR(64) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, payment_id)
		);

		CREATE TABLE IF NOT EXISTS review_packages (
			id                VARCHAR(36) PRIMARY KEY,
			account_id        VARCHAR(36) NOT NULL,
			included_units    BIGINT NOT NULL,
			used_units        BIGINT NOT NULL DEFAULT 0,
			source_payment_id VARCHAR(64) NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_included_units_positive CHECK (included_units > 0),
			CONSTRAINT chk_used_units_bounds CHECK (used_units >= 0 AND used_units <= included_units)
		);

		CREATE TABLE IF NOT EXISTS credit_ledger (
			id         VARCHAR(36) PRIMARY KEY,
			account_id VARCHAR(36) NOT NULL,
			payment_id VARCHAR(64) NOT NULL,
			kind       VARCHAR(20) NOT NULL,
			amount     BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_review_packages_account ON review_packages(account_id);
		CREATE INDEX IF NOT EXISTS idx_credit_ledger_account ON credit_ledger(account_id, created_at DESC);
	`)
	return err
}

// ApplyCredit applies a payment's delta exactly once.
//
// The applied_payments insert and the balance mutation happen in one
// transaction; ON CONFLICT DO NOTHING on the composite key turns a
// concurrent duplicate into a zero-row insert, and the loser returns
// Applied == false without touching anything. Default isolation is
// required here: under read committed a losing insert waits for the
// winner's commit and then sees the conflict as zero rows, whereas a
// serializable transaction would abort instead of reporting the duplicate.
func (p *PostgresStore) ApplyCredit(ctx context.Context, accountID, paymentID string, delta Delta) (*ApplyResult, error) {
	if err := delta.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lazy account creation.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	// Idempotency guard.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_payments (account_id, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, payment_id) DO NOTHING
	`, accountID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Payment already applied. Nothing was mutated; the rollback of
		// the no-op account upsert is harmless.
		return &ApplyResult{Applied: false}, nil
	}

	kind := "credits"
	switch {
	case delta.Credits > 0:
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				credit_balance = credit_balance + $2,
				updated_at     = NOW()
			WHERE account_id = $1
		`, accountID, delta.Credits); err != nil {
			return nil, fmt.Errorf("apply credits: %w", err)
		}
	default:
		kind = "review_package"
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_packages (id, account_id, included_units, source_payment_id, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, uuid.NewString(), accountID, delta.ReviewUnits, paymentID); err != nil {
			return nil, fmt.Errorf("add review package: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET updated_at = NOW() WHERE account_id = $1
		`, accountID); err != nil {
			return nil, fmt.Errorf("touch account: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, account_id, payment_id, kind, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.NewString(), accountID, paymentID, kind, delta.Amount()); err != nil {
		return nil, fmt.Errorf("record ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ApplyResult{Applied: true, AmountApplied: delta.Amount()}, nil
}

// Get retrieves an account with its review packages and applied payment ids.
func (p *PostgresStore) Get(ctx context.Context, accountID string) (*Account, error) {
	acc := &Account{ID: accountID}

	err := p.db.QueryRowContext(ctx, `
		SELECT credit_balance, updated_at FROM accounts WHERE account_id = $1
	`, accountID).Scan(&acc.CreditBalance, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, included_units, used_units, source_payment_id, created_at
		FROM review_packages
		WHERE account_id = $1
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		pkg := ReviewPackage{}
		if err := rows.Scan(&pkg.ID, &pkg.IncludedUnits, &pkg.UsedUnits, &pkg.SourcePaymentID, &pkg.CreatedAt); err != nil {
			return nil, err
		}
		acc.ReviewPackages = append(acc.ReviewPackages, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	payRows, err := p.db.QueryContext(ctx, `
		SELECT payment_id FROM applied_payments WHERE account_id = $1 ORDER BY applied_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var id string
		if err := payRows.Scan(&id); err != nil {
			return nil, err
		}
		acc.AppliedPaymentIDs = append(acc.AppliedPaymentIDs, id)
	}
	return acc, payRows.Err()
}

// History retrieves audit-ledger entries for an account, newest first. One
// extra row past the limit is fetched so the caller can tell whether
// another page exists.
func (p *PostgresStore) History(ctx context.Context, accountID string, q HistoryQuery) ([]*Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT id, account_id, payment_id, kind, amount, created_at
		FROM credit_ledger
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []any{accountID, q.Limit + 1}
	if q.Before != nil {
		query = `
			SELECT id, account_id, payment_id, kind, amount, created_at
			FROM credit_ledger
			WHERE account_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		args = append(args, q.Before.CreatedAt, q.Before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PaymentID, &e.Kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
