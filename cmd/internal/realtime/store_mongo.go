package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoConversations = "conversations"
	mongoBuckets       = "message_buckets"
)

// MongoStore is a Store backed by MongoDB, keeping messages embedded in date buckets.
//
// Ownership model:
// - MongoStore does NOT own the client. The caller must disconnect it.
//
// Concurrency model:
//   - A unique index on (participant_a, participant_b) enforces one conversation per pair.
//   - Appends upsert into the tail bucket with a message_count < bucketCapacity filter, so a full
//     bucket is never appended to. Concurrent appends that both miss may open two buckets for
//     the same day; no message is lost.
//   - Timestamp ordering is best effort: last_message_at is read before the append, not locked.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore constructs a Mongo-backed Store over db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil mongo database")
	}
	return &MongoStore{db: db}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection(mongoConversations) }
func (s *MongoStore) buckets() *mongo.Collection       { return s.db.Collection(mongoBuckets) }

// EnsureIndexes creates the indexes the store relies on. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.conversations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant_a", Value: 1}, {Key: "participant_b", Value: 1}},
		Options: options.Index().SetName("uq_conversations_pair").SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create index uq_conversations_pair: %w", err)
	}
	if _, err := s.buckets().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "bucket_date", Value: 1},
			{Key: "ordinal", Value: -1},
		},
		Options: options.Index().SetName("ix_buckets_tail"),
	}); err != nil {
		return fmt.Errorf("create index ix_buckets_tail: %w", err)
	}
	return nil
}

type mongoConversation struct {
	ID                string     `bson:"_id"`
	ParticipantA      string     `bson:"participant_a"`
	ParticipantB      string     `bson:"participant_b"`
	TotalMessageCount int64      `bson:"total_message_count"`
	LastMessageAt     *time.Time `bson:"last_message_at,omitempty"`
	CreatedAt         time.Time  `bson:"created_at"`
}

func (c mongoConversation) toConversation() Conversation {
	return Conversation{
		ID:                c.ID,
		ParticipantA:      c.ParticipantA,
		ParticipantB:      c.ParticipantB,
		CreatedAt:         c.CreatedAt.UTC(),
		TotalMessageCount: c.TotalMessageCount,
	}
}

type mongoAttachment struct {
	URL        string    `bson:"url"`
	Name       string    `bson:"name"`
	MimeType   string    `bson:"type"`
	SizeLabel  string    `bson:"size"`
	UploadedAt time.Time `bson:"uploaded_at"`
}

type mongoMessage struct {
	ID         string           `bson:"_id"`
	SenderID   string           `bson:"sender_id"`
	ReceiverID string           `bson:"receiver_id"`
	Text       string           `bson:"text,omitempty"`
	Attachment *mongoAttachment `bson:"attachment,omitempty"`
	Timestamp  time.Time        `bson:"timestamp"`
}

// FindConversation returns the conversation for pair or ErrNotFound.
func (s *MongoStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	var doc mongoConversation
	err := s.conversations().FindOne(ctx, bson.M{
		"participant_a": pair.A,
		"participant_b": pair.B,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return doc.toConversation(), nil
}

// CreateConversation inserts conv, or returns ErrConflict if its pair already has one.
func (s *MongoStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	pair := conv.Pair()
	if !pair.Valid() || strings.TrimSpace(conv.ID) == "" {
		return Conversation{}, validationError("store.CreateConversation", "missing id or participants")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	doc := mongoConversation{
		ID:           conv.ID,
		ParticipantA: pair.A,
		ParticipantB: pair.B,
		CreatedAt:    conv.CreatedAt,
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Conversation{}, ErrConflict
		}
		return Conversation{}, err
	}
	return doc.toConversation(), nil
}

// ListConversations returns all conversations ordered by creation time.
func (s *MongoStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	cur, err := s.conversations().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toConversation())
	}
	return out, nil
}

// SetMessageCount overwrites the denormalized message counter.
func (s *MongoStore) SetMessageCount(ctx context.Context, conversationID string, n int64) error {
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"total_message_count": n}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage pushes a message into today's tail bucket, upserting a new bucket when
// there is none with room left.
func (s *MongoStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}

	var conv mongoConversation
	err := s.conversations().FindOne(ctx, bson.M{"_id": in.ConversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return AppendMessageResult{}, ErrNotFound
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	var last time.Time
	if conv.LastMessageAt != nil {
		last = *conv.LastMessageAt
	}
	// Mongo keeps millisecond precision; truncate so stored and returned timestamps agree.
	now := appendTime(in.Now, last).Truncate(time.Millisecond)
	date := bucketDate(now)

	sameDay := bson.M{"conversation_id": in.ConversationID, "bucket_date": date}
	existing, err := s.buckets().CountDocuments(ctx, sameDay)
	if err != nil {
		return AppendMessageResult{}, err
	}

	att := withAttachmentDefaults(in.Message.Attachment, now)
	msg := mongoMessage{
		ID:         mustULID(now),
		SenderID:   in.Message.SenderID,
		ReceiverID: in.Message.ReceiverID,
		Text:       in.Message.Text,
		Timestamp:  now,
	}
	if att != nil {
		msg.Attachment = &mongoAttachment{
			URL:        att.URL,
			Name:       att.Name,
			MimeType:   att.MimeType,
			SizeLabel:  att.SizeLabel,
			UploadedAt: att.UploadedAt.Truncate(time.Millisecond),
		}
		att.UploadedAt = msg.Attachment.UploadedAt
	}

	var bucket struct {
		ID           string `bson:"_id"`
		MessageCount int    `bson:"message_count"`
	}
	err = s.buckets().FindOneAndUpdate(ctx,
		bson.M{
			"conversation_id": in.ConversationID,
			"bucket_date":     date,
			"message_count":   bson.M{"$lt": bucketCapacity},
		},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$inc":  bson.M{"message_count": 1},
			"$setOnInsert": bson.M{
				"_id":        mustULID(now),
				"ordinal":    existing + 1,
				"created_at": now,
			},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetSort(bson.D{{Key: "ordinal", Value: -1}}).
			SetReturnDocument(options.After).
			SetProjection(bson.M{"_id": 1, "message_count": 1}),
	).Decode(&bucket)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("append to bucket: %w", err)
	}

	if _, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": in.ConversationID},
		bson.M{
			"$inc": bson.M{"total_message_count": 1},
			"$max": bson.M{"last_message_at": now},
		},
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("bump conversation counter: %w", err)
	}

	return AppendMessageResult{
		Stored: StoredMessage{
			ID:             msg.ID,
			ConversationID: in.ConversationID,
			BucketID:       bucket.ID,
			SenderID:       msg.SenderID,
			ReceiverID:     msg.ReceiverID,
			Text:           msg.Text,
			Attachment:     att,
			Timestamp:      now,
		},
		BucketSize: bucket.MessageCount,
	}, nil
}

// FetchHistory returns one page of messages, newest page first, chronological within the page.
func (s *MongoStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return FetchHistoryResult{}, validationError("store.FetchHistory", "missing conversation_id")
	}
	page, pageSize, skip := normalizePage(in.Page, in.PageSize)

	total, err := s.CountMessages(ctx, in.ConversationID)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	if int64(skip) >= total {
		return FetchHistoryResult{Messages: []StoredMessage{}, TotalCount: total}, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversation_id": in.ConversationID}}},
		{{Key: "$unwind", Value: bson.M{"path": "$messages", "includeArrayIndex": "pos"}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "messages.timestamp", Value: -1},
			{Key: "created_at", Value: -1},
			{Key: "pos", Value: -1},
		}}},
		{{Key: "$skip", Value: int64(skip)}},
		{{Key: "$limit", Value: int64(pageSize)}},
		{{Key: "$project", Value: bson.M{"_id": 1, "messages": 1}}},
	}
	cur, err := s.buckets().Aggregate(ctx, pipeline)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	var rows []struct {
		BucketID string       `bson:"_id"`
		Message  mongoMessage `bson:"messages"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return FetchHistoryResult{}, err
	}

	msgs := make([]StoredMessage, 0, len(rows))
	for _, r := range rows {
		m := StoredMessage{
			ID:             r.Message.ID,
			ConversationID: in.ConversationID,
			BucketID:       r.BucketID,
			SenderID:       r.Message.SenderID,
			ReceiverID:     r.Message.ReceiverID,
			Text:           r.Message.Text,
			Timestamp:      r.Message.Timestamp.UTC(),
		}
		if a := r.Message.Attachment; a != nil {
			m.Attachment = &Attachment{
				URL:        a.URL,
				Name:       a.Name,
				MimeType:   a.MimeType,
				SizeLabel:  a.SizeLabel,
				UploadedAt: a.UploadedAt.UTC(),
			}
		}
		msgs = append(msgs, m)
	}
	reverseMessages(msgs)

	return FetchHistoryResult{
		Messages:   msgs,
		TotalCount: total,
		HasMore:    hasMore(page, pageSize, total),
	}, nil
}

// CountMessages sums message_count over the conversation's buckets.
func (s *MongoStore) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	cur, err := s.buckets().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversation_id": conversationID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$message_count"}}}},
	})
	if err != nil {
		return 0, err
	}
	var out []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Total, nil
}
