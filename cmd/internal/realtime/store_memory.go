package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It supports:
//   - conversations with a unique canonical pair
//   - AppendMessage: exact bucket rollover at bucketCapacity under the store mutex
//   - FetchHistory: message-level paging across buckets
type InMemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv
	byPair map[Pair]string
}

type memConv struct {
	conv    Conversation
	buckets []*memBucket // ordered by creation
	last    time.Time
}

type memBucket struct {
	id       string
	date     string
	ordinal  int
	messages []StoredMessage
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		byPair: make(map[Pair]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindConversation returns the conversation for pair or ErrNotFound.
func (s *InMemoryStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pair]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.convs[id].conv, nil
}

// CreateConversation inserts conv, or returns ErrConflict if its pair already has one.
func (s *InMemoryStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	pair := conv.Pair()
	if !pair.Valid() || strings.TrimSpace(conv.ID) == "" {
		return Conversation{}, validationError("store.CreateConversation", "missing id or participants")
	}
	conv.ParticipantA, conv.ParticipantB = pair.A, pair.B

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPair[pair]; ok {
		return Conversation{}, ErrConflict
	}
	s.convs[conv.ID] = &memConv{conv: conv}
	s.byPair[pair] = conv.ID
	return conv, nil
}

// ListConversations returns all conversations ordered by creation time.
func (s *InMemoryStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.conv)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetMessageCount overwrites the denormalized message counter.
func (s *InMemoryStore) SetMessageCount(ctx context.Context, conversationID string, n int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return ErrNotFound
	}
	c.conv.TotalMessageCount = n
	return nil
}

// AppendMessage stores a message into today's tail bucket, rolling over when the bucket is full.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return AppendMessageResult{}, ErrNotFound
	}

	now := appendTime(in.Now, c.last)
	date := bucketDate(now)

	var tail *memBucket
	if n := len(c.buckets); n > 0 && c.buckets[n-1].date == date {
		tail = c.buckets[n-1]
	}
	if tail == nil || len(tail.messages) >= bucketCapacity {
		ordinal := 1
		if tail != nil {
			ordinal = tail.ordinal + 1
		}
		tail = &memBucket{
			id:       mustULID(now),
			date:     date,
			ordinal:  ordinal,
			messages: make([]StoredMessage, 0, 64),
		}
		c.buckets = append(c.buckets, tail)
	}

	msg := StoredMessage{
		ID:             mustULID(now),
		ConversationID: in.ConversationID,
		BucketID:       tail.id,
		SenderID:       in.Message.SenderID,
		ReceiverID:     in.Message.ReceiverID,
		Text:           in.Message.Text,
		Attachment:     withAttachmentDefaults(in.Message.Attachment, now),
		Timestamp:      now,
	}
	tail.messages = append(tail.messages, msg)
	c.last = now
	c.conv.TotalMessageCount++

	return AppendMessageResult{Stored: msg, BucketSize: len(tail.messages)}, nil
}

// FetchHistory returns one page of messages, newest page first, chronological within the page.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return FetchHistoryResult{}, validationError("store.FetchHistory", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	page, pageSize, skip := normalizePage(in.Page, in.PageSize)

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var all []StoredMessage
	if c != nil {
		for _, b := range c.buckets {
			all = append(all, b.messages...)
		}
	}
	s.mu.Unlock()

	total := int64(len(all))
	end := len(all) - skip
	if end <= 0 {
		return FetchHistoryResult{TotalCount: total, HasMore: false}, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	out := append([]StoredMessage(nil), all[start:end]...)
	return FetchHistoryResult{
		Messages:   out,
		TotalCount: total,
		HasMore:    hasMore(page, pageSize, total),
	}, nil
}

// CountMessages counts stored messages across all buckets of a conversation.
func (s *InMemoryStore) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, nil
	}
	var n int64
	for _, b := range c.buckets {
		n += int64(len(b.messages))
	}
	return n, nil
}

// bucketSizes returns message counts per bucket, oldest first (test hook).
func (s *InMemoryStore) bucketSizes(conversationID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil
	}
	out := make([]int, 0, len(c.buckets))
	for _, b := range c.buckets {
		out = append(out, len(b.messages))
	}
	return out
}
