package accounts

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require PARLEY_DATABASE_URL.

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PARLEY_DATABASE_URL not set; skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "parley_accounts_it_" + strings.ToLower(time.Now().UTC().Format("20060102150405"))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func TestPostgresStore_Users(t *testing.T) {
	s := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := s.CreateUser(ctx, CreateUserInput{MobileNumber: "5550001", Name: "Alice", Email: ptr("alice@example.com")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, CreateUserInput{MobileNumber: "5550002", Name: "Bob"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := s.CreateUser(ctx, CreateUserInput{MobileNumber: "555-0001", Name: "Dup"}); !IsConflict(err) {
		t.Fatalf("err=%v want conflict", err)
	}

	got, err := s.FindByMobile(ctx, "5550001")
	if err != nil || got.ID != a.ID {
		t.Fatalf("FindByMobile got=%+v err=%v", got, err)
	}
	if _, err := s.FindByMobile(ctx, "000"); !IsNotFound(err) {
		t.Fatalf("err=%v want not found", err)
	}

	others, err := s.ListExcept(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListExcept: %v", err)
	}
	if len(others) != 1 || others[0].Name != "Bob" {
		t.Fatalf("others=%+v", others)
	}
}

func TestWithSchema_Validation(t *testing.T) {
	t.Parallel()

	s := &PostgresStore{}
	if err := WithSchema("bad-schema")(s); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
	if err := WithSchema("ok_schema")(s); err != nil || s.schema != "ok_schema" {
		t.Fatalf("err=%v schema=%q", err, s.schema)
	}
}
