// Package realtime contains Parley's realtime core: the conversation registry, presence
// directory, bucketed message store, delivery dispatcher, and the websocket session gateway.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - A unique (participant_a, participant_b) constraint backs the registry's pair lock across processes.
//   - Appends take a per-conversation transactional advisory lock, so bucket rollover
//     and timestamp ordering are exact under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes used by the store if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	buckets := pgIdent(s.schema, "message_buckets")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id                  TEXT PRIMARY KEY,
  participant_a       TEXT NOT NULL,
  participant_b       TEXT NOT NULL,
  total_message_count BIGINT NOT NULL DEFAULT 0,
  last_message_at     TIMESTAMPTZ,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_pair_order CHECK (participant_a <= participant_b),
  CONSTRAINT uq_conversations_pair UNIQUE (participant_a, participant_b)
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  bucket_date     DATE NOT NULL,
  ordinal         INT NOT NULL,
  message_count   INT NOT NULL DEFAULT 0,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_message_buckets_ordinal UNIQUE (conversation_id, bucket_date, ordinal)
);

CREATE TABLE IF NOT EXISTS %[4]s (
  pos             BIGINT GENERATED ALWAYS AS IDENTITY,
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  bucket_id       TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  receiver_id     TEXT NOT NULL,
  text            TEXT,
  attachment      JSONB,
  sent_at         TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_messages_content CHECK (text IS NOT NULL OR attachment IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent_desc
  ON %[4]s (conversation_id, sent_at DESC, pos DESC);
`, pgx.Identifier{s.schema}.Sanitize(), conversations, buckets, messages)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// FindConversation returns the conversation for pair or ErrNotFound.
func (s *PostgresStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, created_at, total_message_count
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE participant_a = $1 AND participant_b = $2`,
		pair.A, pair.B,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.TotalMessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// CreateConversation inserts conv, or returns ErrConflict if its pair already has one.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	pair := conv.Pair()
	if !pair.Valid() || strings.TrimSpace(conv.ID) == "" {
		return Conversation{}, validationError("store.CreateConversation", "missing id or participants")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, participant_a, participant_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_a, participant_b) DO NOTHING`,
		conv.ID, pair.A, pair.B, conv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Conversation{}, ErrConflict
		}
		return Conversation{}, err
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, ErrConflict
	}

	conv.ParticipantA, conv.ParticipantB = pair.A, pair.B
	conv.TotalMessageCount = 0
	return conv, nil
}

// ListConversations returns all conversations ordered by creation time.
func (s *PostgresStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_a, participant_b, created_at, total_message_count
		   FROM `+pgIdent(s.schema, "conversations")+`
		  ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.TotalMessageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetMessageCount overwrites the denormalized message counter.
func (s *PostgresStore) SetMessageCount(ctx context.Context, conversationID string, n int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+` SET total_message_count = $2 WHERE id = $1`,
		conversationID, n,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores a message into today's tail bucket, rolling over when the bucket is full.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	buckets := pgIdent(s.schema, "message_buckets")
	messages := pgIdent(s.schema, "messages")

	// Serialize appends per conversation: bucket rollover and timestamp order are decided under this lock.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var last *time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_message_at FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, ErrNotFound
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	var prev time.Time
	if last != nil {
		prev = *last
	}
	now := appendTime(in.Now, prev)
	date := bucketDate(now)

	var (
		bucketID string
		ordinal  int
		count    int
	)
	err = tx.QueryRow(ctx,
		`SELECT id, ordinal, message_count
		   FROM `+buckets+`
		  WHERE conversation_id = $1 AND bucket_date = $2::date
		  ORDER BY ordinal DESC
		  LIMIT 1`,
		in.ConversationID, date,
	).Scan(&bucketID, &ordinal, &count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	if errors.Is(err, pgx.ErrNoRows) || count >= bucketCapacity {
		bucketID = mustULID(now)
		ordinal++
		count = 0
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+buckets+` (id, conversation_id, bucket_date, ordinal, message_count, created_at)
			 VALUES ($1, $2, $3::date, $4, 0, $5)`,
			bucketID, in.ConversationID, date, ordinal, now,
		); err != nil {
			return AppendMessageResult{}, fmt.Errorf("insert bucket: %w", err)
		}
	}

	att := withAttachmentDefaults(in.Message.Attachment, now)
	attJSON, err := marshalPGAttachment(att)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msg := StoredMessage{
		ID:             mustULID(now),
		ConversationID: in.ConversationID,
		BucketID:       bucketID,
		SenderID:       in.Message.SenderID,
		ReceiverID:     in.Message.ReceiverID,
		Text:           in.Message.Text,
		Attachment:     att,
		Timestamp:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, bucket_id, sender_id, receiver_id, text, attachment, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.BucketID, msg.SenderID, msg.ReceiverID, nullableText(msg.Text), attJSON, msg.Timestamp,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+buckets+` SET message_count = message_count + 1 WHERE id = $1`,
		bucketID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET total_message_count = total_message_count + 1,
		        last_message_at = $2
		  WHERE id = $1`,
		in.ConversationID, now,
	); err != nil {
		return AppendMessageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: msg, BucketSize: count + 1}, nil
}

// FetchHistory returns one page of messages, newest page first, chronological within the page.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return FetchHistoryResult{}, validationError("store.FetchHistory", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	page, pageSize, skip := normalizePage(in.Page, in.PageSize)

	total, err := s.CountMessages(ctx, in.ConversationID)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	if int64(skip) >= total {
		return FetchHistoryResult{Messages: []StoredMessage{}, TotalCount: total}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, bucket_id, sender_id, receiver_id, text, attachment, sent_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY sent_at DESC, pos DESC
		  OFFSET $2
		  LIMIT $3`,
		in.ConversationID, skip, pageSize,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, pageSize)
	for rows.Next() {
		var (
			m       StoredMessage
			text    *string
			attJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.BucketID, &m.SenderID, &m.ReceiverID, &text, &attJSON, &m.Timestamp); err != nil {
			return FetchHistoryResult{}, err
		}
		if text != nil {
			m.Text = *text
		}
		if m.Attachment, err = unmarshalPGAttachment(attJSON); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	reverseMessages(msgs)
	return FetchHistoryResult{
		Messages:   msgs,
		TotalCount: total,
		HasMore:    hasMore(page, pageSize, total),
	}, nil
}

// CountMessages counts stored messages of a conversation.
func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(s.schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&n)
	return n, err
}

type pgAttachment struct {
	URL        string    `json:"url"`
	Name       string    `json:"name"`
	MimeType   string    `json:"type"`
	SizeLabel  string    `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func marshalPGAttachment(a *Attachment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(pgAttachment{
		URL:        a.URL,
		Name:       a.Name,
		MimeType:   a.MimeType,
		SizeLabel:  a.SizeLabel,
		UploadedAt: a.UploadedAt,
	})
}

func unmarshalPGAttachment(b []byte) (*Attachment, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p pgAttachment
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return &Attachment{
		URL:        p.URL,
		Name:       p.Name,
		MimeType:   p.MimeType,
		SizeLabel:  p.SizeLabel,
		UploadedAt: p.UploadedAt,
	}, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
