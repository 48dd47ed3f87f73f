package realtime

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	// bucketCapacity is the maximum number of messages per bucket.
	// A bucket that reaches it is superseded by a new one, even within the same day.
	bucketCapacity = 500

	// bucketDateLayout keys buckets by UTC calendar day.
	bucketDateLayout = "2006-01-02"

	defaultHistoryPageSize = 30
	maxHistoryPageSize     = 200
	// maxHistoryPage keeps (page-1)*pageSize inside int32 on every platform.
	maxHistoryPage = math.MaxInt32 / maxHistoryPageSize
)

// Conversation is the canonical 1:1 channel between two user identities.
type Conversation struct {
	ID                string
	ParticipantA      string
	ParticipantB      string
	CreatedAt         time.Time
	TotalMessageCount int64
}

// Pair returns the conversation's canonical participant pair.
func (c Conversation) Pair() Pair { return NewPair(c.ParticipantA, c.ParticipantB) }

// Attachment is the descriptor returned by the upload collaborator.
type Attachment struct {
	URL        string
	Name       string
	MimeType   string
	SizeLabel  string
	UploadedAt time.Time
}

// Message is the content of a single message, before it is stored.
type Message struct {
	SenderID   string
	ReceiverID string
	Text       string
	Attachment *Attachment
}

// HasContent reports whether the message carries non-blank text or an attachment.
func (m Message) HasContent() bool {
	return strings.TrimSpace(m.Text) != "" || m.Attachment != nil
}

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	BucketID       string
	SenderID       string
	ReceiverID     string
	Text           string
	Attachment     *Attachment
	Timestamp      time.Time
}

// ConversationStore persists conversations.
//
// Requirements:
//   - At most one conversation per canonical pair (CreateConversation returns ErrConflict otherwise)
//   - FindConversation returns ErrNotFound when the pair has no conversation
type ConversationStore interface {
	FindConversation(ctx context.Context, pair Pair) (Conversation, error)
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	SetMessageCount(ctx context.Context, conversationID string, n int64) error
}

// MessageStore persists and queries messages in date-bucketed containers.
//
// Requirements:
//   - No bucket grows past bucketCapacity at the moment an append is decided (soft under contention for Mongo)
//   - AppendMessage increments the conversation's TotalMessageCount
//   - History pagination is per message, newest page first, chronological within a page
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)
	Close() error
}

// Store is the full persistence contract used by the realtime service.
type Store interface {
	ConversationStore
	MessageStore
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	Message        Message
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	BucketSize int
}

// FetchHistoryInput describes a history page request. Page is 1-based.
type FetchHistoryInput struct {
	ConversationID string
	Page           int
	PageSize       int
}

// FetchHistoryResult contains the retrieved history page in chronological order.
type FetchHistoryResult struct {
	Messages   []StoredMessage
	TotalCount int64
	HasMore    bool
}

// normalizePage clamps page/pageSize to sane bounds and returns the number of newest messages to skip.
func normalizePage(page, pageSize int) (int, int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}
	if page > maxHistoryPage {
		page = maxHistoryPage
	}
	return page, pageSize, (page - 1) * pageSize
}

func hasMore(page, pageSize int, total int64) bool {
	return int64(page)*int64(pageSize) < total
}

func bucketDate(t time.Time) string {
	return t.UTC().Format(bucketDateLayout)
}

// reverseMessages flips newest-first rows into chronological order in place.
func reverseMessages(msgs []StoredMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func validateAppend(in AppendMessageInput) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return validationError("store.AppendMessage", "missing conversation_id")
	}
	if in.Message.SenderID == "" || in.Message.ReceiverID == "" {
		return validationError("store.AppendMessage", "missing sender or receiver")
	}
	if !in.Message.HasContent() {
		return validationError("store.AppendMessage", "text or attachment required")
	}
	return nil
}

func appendTime(now time.Time, last time.Time) time.Time {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Timestamps never go backwards within a conversation.
	if now.Before(last) {
		return last
	}
	return now
}

func withAttachmentDefaults(a *Attachment, now time.Time) *Attachment {
	if a == nil {
		return nil
	}
	cp := *a
	if cp.UploadedAt.IsZero() {
		cp.UploadedAt = now
	}
	return &cp
}
