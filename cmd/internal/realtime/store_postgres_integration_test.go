package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_ConversationPairIsUnique(t *testing.T) {
	t.Parallel()

	store, _, _ := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	first, err := store.CreateConversation(ctx, Conversation{ID: mustULID(now), ParticipantA: "bob", ParticipantB: "alice", CreatedAt: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ParticipantA != "alice" || first.ParticipantB != "bob" {
		t.Fatalf("participants not canonical: %+v", first)
	}

	_, err = store.CreateConversation(ctx, Conversation{ID: mustULID(now), ParticipantA: "alice", ParticipantB: "bob", CreatedAt: now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second create: want ErrConflict got %v", err)
	}

	got, err := store.FindConversation(ctx, NewPair("bob", "alice"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("find returned %s want %s", got.ID, first.ID)
	}

	if _, err := store.FindConversation(ctx, NewPair("alice", "carol")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find missing: want ErrNotFound got %v", err)
	}
}

func TestPostgresStore_ConcurrentResolveCreatesOne(t *testing.T) {
	t.Parallel()

	store, _, _ := mustPostgresStore(t)

	// Two registries stand in for two processes sharing the database.
	regs := []*Registry{NewRegistry(nil, store, nil), NewRegistry(nil, store, nil)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := regs[i%2].Resolve(ctx, a, b)
			ids[i], errs[i] = conv.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("resolve %d returned %s want %s", i, ids[i], ids[0])
		}
	}
}

func TestPostgresStore_BucketRollover(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conv := mustPGConversation(t, store, "roll-a", "roll-b")

	day := time.Date(2025, 3, 18, 9, 0, 0, 0, time.UTC)
	for i := 0; i < bucketCapacity+1; i++ {
		res, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			Message:        Message{SenderID: "roll-a", ReceiverID: "roll-b", Text: "m"},
			Now:            day.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.BucketSize > bucketCapacity {
			t.Fatalf("append %d: bucket size %d exceeds capacity", i, res.BucketSize)
		}
	}

	rows, err := pool.Query(ctx,
		`SELECT ordinal, message_count FROM `+pgIdent(schema, "message_buckets")+`
		  WHERE conversation_id = $1 ORDER BY ordinal`,
		conv.ID,
	)
	if err != nil {
		t.Fatalf("query buckets: %v", err)
	}
	var counts []int
	for rows.Next() {
		var ord, n int
		if err := rows.Scan(&ord, &n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		counts = append(counts, n)
	}
	rows.Close()

	if len(counts) != 2 || counts[0] != bucketCapacity || counts[1] != 1 {
		t.Fatalf("bucket counts=%v want=[%d 1]", counts, bucketCapacity)
	}

	got, err := store.FindConversation(ctx, conv.Pair())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.TotalMessageCount != bucketCapacity+1 {
		t.Fatalf("total_message_count=%d want=%d", got.TotalMessageCount, bucketCapacity+1)
	}
}

func TestPostgresStore_HistoryPagesAndRoundTrip(t *testing.T) {
	t.Parallel()

	store, _, _ := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv := mustPGConversation(t, store, "hist-a", "hist-b")

	base := time.Date(2025, 3, 18, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := Message{SenderID: "hist-a", ReceiverID: "hist-b", Text: string(rune('a' + i))}
		if i == 4 {
			msg.Text = ""
			msg.Attachment = &Attachment{URL: "/uploads/x.png", Name: "x.png", MimeType: "image/png", SizeLabel: "1.0 KB"}
		}
		// Crosses midnight so the messages span two buckets.
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			Message:        msg,
			Now:            base.Add(time.Duration(i) * 30 * time.Second),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// A clock that moves backwards must not reorder the conversation.
	back, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		Message:        Message{SenderID: "hist-b", ReceiverID: "hist-a", Text: "late"},
		Now:            base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("append late: %v", err)
	}
	if back.Stored.Timestamp.Before(base.Add(2 * time.Minute)) {
		t.Fatalf("timestamp went backwards: %v", back.Stored.Timestamp)
	}

	page1, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv.ID, Page: 1, PageSize: 4})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if page1.TotalCount != 6 || !page1.HasMore || len(page1.Messages) != 4 {
		t.Fatalf("page 1: total=%d hasMore=%v len=%d", page1.TotalCount, page1.HasMore, len(page1.Messages))
	}
	if got := texts(page1.Messages); strings.Join(got, ",") != "c,d,,late" {
		t.Fatalf("page 1 texts=%v", got)
	}
	att := page1.Messages[2].Attachment
	if att == nil || att.URL != "/uploads/x.png" || att.UploadedAt.IsZero() {
		t.Fatalf("attachment did not round-trip: %+v", att)
	}

	page2, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv.ID, Page: 2, PageSize: 4})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if page2.HasMore || strings.Join(texts(page2.Messages), ",") != "a,b" {
		t.Fatalf("page 2: hasMore=%v texts=%v", page2.HasMore, texts(page2.Messages))
	}
}

func TestPostgresStore_SetMessageCount(t *testing.T) {
	t.Parallel()

	store, _, _ := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv := mustPGConversation(t, store, "count-a", "count-b")
	if err := store.SetMessageCount(ctx, conv.ID, 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.FindConversation(ctx, conv.Pair())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.TotalMessageCount != 42 {
		t.Fatalf("count=%d want=42", got.TotalMessageCount)
	}
	if err := store.SetMessageCount(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set missing: want ErrNotFound got %v", err)
	}
}

func TestWithSchemaRejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  ", "1abc", "a-b", `x"; DROP`} {
		st := &PostgresStore{}
		if err := WithSchema(in)(st); err == nil {
			t.Fatalf("WithSchema(%q): expected error", in)
		}
	}
	st := &PostgresStore{}
	if err := WithSchema("parley_it")(st); err != nil || st.schema != "parley_it" {
		t.Fatalf("WithSchema(valid): err=%v schema=%q", err, st.schema)
	}
}

func mustPostgresStore(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "parley_it_" + strings.ToLower(NewRandomHex(8))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store, pool, schema
}

func mustPGConversation(t *testing.T, store *PostgresStore, a, b string) Conversation {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	conv, err := store.CreateConversation(ctx, Conversation{ID: mustULID(now), ParticipantA: a, ParticipantB: b, CreatedAt: now})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func texts(msgs []StoredMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
