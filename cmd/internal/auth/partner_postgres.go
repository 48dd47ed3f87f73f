package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPartnerStore keeps partner digests in <schema>.partner_keys.
// The pool is owned by the caller.
type PostgresPartnerStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// NewPostgresPartnerStore constructs a store in schema (default "parley").
func NewPostgresPartnerStore(pool *pgxpool.Pool, schema string) (*PostgresPartnerStore, error) {
	if pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "parley"
	}
	return &PostgresPartnerStore{
		pool:   pool,
		schema: pgx.Identifier{schema}.Sanitize(),
		table:  pgx.Identifier{schema, "partner_keys"}.Sanitize(),
	}, nil
}

// EnsureSchema creates the partner_keys table if it does not exist.
func (s *PostgresPartnerStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + s.schema,
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			business_key TEXT PRIMARY KEY,
			token_digest TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("auth: ensure partner schema: %w", err)
		}
	}
	return nil
}

// PutPartner inserts or replaces the digest for businessKey.
func (s *PostgresPartnerStore) PutPartner(ctx context.Context, businessKey, digest string) error {
	if strings.TrimSpace(businessKey) == "" || strings.TrimSpace(digest) == "" {
		return errors.New("auth: business key and digest are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (business_key, token_digest)
		VALUES ($1, $2)
		ON CONFLICT (business_key) DO UPDATE SET token_digest = EXCLUDED.token_digest
	`, businessKey, digest)
	if err != nil {
		return fmt.Errorf("auth: put partner: %w", err)
	}
	return nil
}

// LookupPartner returns the digest for businessKey or ErrPartnerUnknown.
func (s *PostgresPartnerStore) LookupPartner(ctx context.Context, businessKey string) (string, error) {
	var d string
	err := s.pool.QueryRow(ctx, `SELECT token_digest FROM `+s.table+` WHERE business_key = $1`, businessKey).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrPartnerUnknown
	}
	if err != nil {
		return "", fmt.Errorf("auth: lookup partner: %w", err)
	}
	return d, nil
}
