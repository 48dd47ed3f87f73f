package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps users in <schema>.users.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Unique violations are mapped to ConflictError by constraint name.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("accounts: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("accounts: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "parley"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("accounts: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the users table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.users() + ` (
			id            TEXT PRIMARY KEY,
			mobile_number TEXT NOT NULL,
			name          TEXT NOT NULL,
			email         TEXT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			CONSTRAINT users_mobile_number_key UNIQUE (mobile_number),
			CONSTRAINT users_email_key UNIQUE (email)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("accounts: ensure schema: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a user.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "accounts.CreateUser"
	u, err := newUser(op, in)
	if err != nil {
		return User{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.users()+` (id, mobile_number, name, email, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.MobileNumber, u.Name, u.Email, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			field := "mobile_number"
			if pgErr.ConstraintName == "users_email_key" {
				field = "email"
			}
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindByMobile returns the user registered with mobile.
func (s *PostgresStore) FindByMobile(ctx context.Context, mobile string) (User, error) {
	const op = "accounts.FindByMobile"
	row := s.pool.QueryRow(ctx,
		`SELECT id, mobile_number, name, email, created_at FROM `+s.users()+` WHERE mobile_number = $1`,
		NormalizeMobile(mobile),
	)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// ListExcept returns every user but excludeID, oldest first.
func (s *PostgresStore) ListExcept(ctx context.Context, excludeID string) ([]User, error) {
	const op = "accounts.ListExcept"
	rows, err := s.pool.Query(ctx,
		`SELECT id, mobile_number, name, email, created_at FROM `+s.users()+`
		 WHERE id <> $1 ORDER BY created_at, id`,
		excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) users() string {
	return pgx.Identifier{s.schema, "users"}.Sanitize()
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.MobileNumber, &u.Name, &u.Email, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
