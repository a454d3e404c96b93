package identity

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the users table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         VARCHAR(36) PRIMARY KEY,
			email      VARCHAR(255) NOT NULL UNIQUE,
			name       VARCHAR(200),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_users_email ON users(LOWER(email));
	`)
	return err
}

// GetByEmail looks up a user by email, case-insensitively.
func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(name, ''), created_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, email))
}

// GetByID looks up a user by internal id.
func (p *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(name, ''), created_at
		FROM users WHERE id = $1
	`, id))
}

// Create inserts a user. Used by tests and the onboarding flow, which is
// outside this subsystem.
func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
	`, u.ID, u.Email, u.Name)
	return err
}

func (p *PostgresStore) scanOne(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
