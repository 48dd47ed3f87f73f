package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are enabled when PARLEY_MONGO_URL is set.

func TestMongoStore_ConversationPairIsUnique(t *testing.T) {
	t.Parallel()

	store, _ := mustMongoStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reg := NewRegistry(nil, store, nil)
	first, created, err := reg.Resolve(ctx, "bob", "alice")
	if err != nil || !created {
		t.Fatalf("resolve: created=%v err=%v", created, err)
	}
	again, created, err := reg.Resolve(ctx, "alice", "bob")
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("resolve again: id=%s created=%v err=%v", again.ID, created, err)
	}

	_, err = store.CreateConversation(ctx, Conversation{ID: mustULID(time.Now()), ParticipantA: "alice", ParticipantB: "bob"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: want ErrConflict got %v", err)
	}
}

func TestMongoStore_BucketRolloverAndHistory(t *testing.T) {
	t.Parallel()

	store, db := mustMongoStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conv, _, err := NewRegistry(nil, store, nil).Resolve(ctx, "m-a", "m-b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	day := time.Date(2025, 3, 18, 9, 0, 0, 0, time.UTC)
	for i := 0; i < bucketCapacity+2; i++ {
		res, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: conv.ID,
			Message:        Message{SenderID: "m-a", ReceiverID: "m-b", Text: "m"},
			Now:            day.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.BucketSize > bucketCapacity {
			t.Fatalf("append %d: bucket size %d", i, res.BucketSize)
		}
	}

	cur, err := db.Collection(mongoBuckets).Find(ctx,
		bson.M{"conversation_id": conv.ID},
		options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}}).SetProjection(bson.M{"message_count": 1}),
	)
	if err != nil {
		t.Fatalf("find buckets: %v", err)
	}
	var buckets []struct {
		Count int `bson:"message_count"`
	}
	if err := cur.All(ctx, &buckets); err != nil {
		t.Fatalf("decode buckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Count != bucketCapacity || buckets[1].Count != 2 {
		t.Fatalf("buckets=%+v", buckets)
	}

	page, err := store.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv.ID, Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.TotalCount != bucketCapacity+2 || !page.HasMore || len(page.Messages) != 3 {
		t.Fatalf("history: total=%d hasMore=%v len=%d", page.TotalCount, page.HasMore, len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].Timestamp.Before(page.Messages[i-1].Timestamp) {
			t.Fatalf("page not chronological at %d", i)
		}
	}
	want := day.Add(time.Duration(bucketCapacity+1) * time.Second)
	if !page.Messages[2].Timestamp.Equal(want) {
		t.Fatalf("newest=%v want=%v", page.Messages[2].Timestamp, want)
	}
}

func mustMongoStore(t *testing.T) (*MongoStore, *mongo.Database) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_MONGO_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_MONGO_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(raw))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("ping mongo: %v", err)
	}

	db := client.Database("parley_it_" + strings.ToLower(NewRandomHex(6)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	store, err := NewMongoStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return store, db
}
