package realtime

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"
)

func mustMemConversation(t *testing.T, s *InMemoryStore, a, b string) Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), Conversation{
		ID:           mustULID(time.Now()),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestInMemoryStore_CreateConversation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv := mustMemConversation(t, s, "zoe", "adam")
	if conv.ParticipantA != "adam" || conv.ParticipantB != "zoe" {
		t.Fatalf("participants not canonical: %+v", conv)
	}

	_, err := s.CreateConversation(ctx, Conversation{ID: "other", ParticipantA: "adam", ParticipantB: "zoe"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate pair: want ErrConflict got %v", err)
	}

	_, err = s.CreateConversation(ctx, Conversation{ID: "x", ParticipantA: "adam"})
	if !IsValidation(err) {
		t.Fatalf("missing participant: want validation error got %v", err)
	}

	if _, err := s.FindConversation(ctx, NewPair("adam", "eve")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find missing: want ErrNotFound got %v", err)
	}
}

func TestInMemoryStore_BucketRolloverAtCapacity(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")

	day := time.Date(2025, 3, 18, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2*bucketCapacity+1; i++ {
		res, err := s.AppendMessage(context.Background(), AppendMessageInput{
			ConversationID: conv.ID,
			Message:        Message{SenderID: "a", ReceiverID: "b", Text: strconv.Itoa(i)},
			Now:            day.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.BucketSize > bucketCapacity {
			t.Fatalf("append %d: bucket size %d exceeds %d", i, res.BucketSize, bucketCapacity)
		}
	}

	got := s.bucketSizes(conv.ID)
	want := []int{bucketCapacity, bucketCapacity, 1}
	if len(got) != len(want) {
		t.Fatalf("bucket sizes=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bucket sizes=%v want=%v", got, want)
		}
	}

	c, _ := s.FindConversation(context.Background(), conv.Pair())
	if c.TotalMessageCount != 2*bucketCapacity+1 {
		t.Fatalf("total=%d", c.TotalMessageCount)
	}
}

func TestInMemoryStore_NewDayStartsNewBucket(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")

	for _, ts := range []time.Time{
		time.Date(2025, 3, 18, 23, 59, 0, 0, time.UTC),
		time.Date(2025, 3, 19, 0, 0, 1, 0, time.UTC),
	} {
		if _, err := s.AppendMessage(context.Background(), AppendMessageInput{
			ConversationID: conv.ID,
			Message:        Message{SenderID: "a", ReceiverID: "b", Text: "hi"},
			Now:            ts,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := s.bucketSizes(conv.ID); len(got) != 2 {
		t.Fatalf("bucket sizes=%v want two buckets", got)
	}
}

func TestInMemoryStore_HistoryPaging(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")

	base := time.Date(2025, 3, 18, 8, 0, 0, 0, time.UTC)
	for i := 1; i <= 7; i++ {
		if _, err := s.AppendMessage(context.Background(), AppendMessageInput{
			ConversationID: conv.ID,
			Message:        Message{SenderID: "a", ReceiverID: "b", Text: "m" + strconv.Itoa(i)},
			Now:            base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cases := []struct {
		page     int
		size     int
		want     string
		wantMore bool
	}{
		{page: 1, size: 3, want: "m5,m6,m7", wantMore: true},
		{page: 2, size: 3, want: "m2,m3,m4", wantMore: true},
		{page: 3, size: 3, want: "m1", wantMore: false},
		{page: 4, size: 3, want: "", wantMore: false},
		{page: 0, size: 0, want: "m1,m2,m3,m4,m5,m6,m7", wantMore: false},
	}
	for _, tc := range cases {
		res, err := s.FetchHistory(context.Background(), FetchHistoryInput{ConversationID: conv.ID, Page: tc.page, PageSize: tc.size})
		if err != nil {
			t.Fatalf("page %d: %v", tc.page, err)
		}
		if got := strings.Join(texts(res.Messages), ","); got != tc.want {
			t.Fatalf("page %d size %d: got %q want %q", tc.page, tc.size, got, tc.want)
		}
		if res.HasMore != tc.wantMore || res.TotalCount != 7 {
			t.Fatalf("page %d: hasMore=%v total=%d", tc.page, res.HasMore, res.TotalCount)
		}
	}
}

func TestInMemoryStore_HistoryPagingAcrossBuckets(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	ctx := context.Background()

	// Day one overflows into a second bucket, day two opens a third.
	day1 := time.Date(2025, 3, 18, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	appendN := func(prefix string, n int, start time.Time) {
		for i := 1; i <= n; i++ {
			if _, err := s.AppendMessage(ctx, AppendMessageInput{
				ConversationID: conv.ID,
				Message:        Message{SenderID: "a", ReceiverID: "b", Text: prefix + strconv.Itoa(i)},
				Now:            start.Add(time.Duration(i) * time.Second),
			}); err != nil {
				t.Fatalf("append %s%d: %v", prefix, i, err)
			}
		}
	}
	appendN("d1-", bucketCapacity+2, day1)
	appendN("d2-", 3, day2)

	if got := s.bucketSizes(conv.ID); len(got) != 3 || got[0] != bucketCapacity || got[1] != 2 || got[2] != 3 {
		t.Fatalf("bucket sizes=%v", got)
	}

	const total = bucketCapacity + 5
	cases := []struct {
		page     int
		want     string
		buckets  int
		wantMore bool
	}{
		{page: 1, want: "d1-502,d2-1,d2-2,d2-3", buckets: 2, wantMore: true},
		{page: 2, want: "d1-498,d1-499,d1-500,d1-501", buckets: 2, wantMore: true},
		{page: 3, want: "d1-494,d1-495,d1-496,d1-497", buckets: 1, wantMore: true},
		{page: (total + 3) / 4, want: "d1-1", buckets: 1, wantMore: false},
		{page: (total+3)/4 + 1, want: "", buckets: 0, wantMore: false},
	}
	for _, tc := range cases {
		res, err := s.FetchHistory(ctx, FetchHistoryInput{ConversationID: conv.ID, Page: tc.page, PageSize: 4})
		if err != nil {
			t.Fatalf("page %d: %v", tc.page, err)
		}
		if got := strings.Join(texts(res.Messages), ","); got != tc.want {
			t.Fatalf("page %d: got %q want %q", tc.page, got, tc.want)
		}
		if res.HasMore != tc.wantMore || res.TotalCount != total {
			t.Fatalf("page %d: hasMore=%v total=%d", tc.page, res.HasMore, res.TotalCount)
		}
		seen := map[string]struct{}{}
		for _, m := range res.Messages {
			seen[m.BucketID] = struct{}{}
		}
		if len(seen) != tc.buckets {
			t.Fatalf("page %d spans %d buckets want %d", tc.page, len(seen), tc.buckets)
		}
	}
}

func TestInMemoryStore_HistoryHugePage(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	if _, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: conv.ID,
		Message:        Message{SenderID: "a", ReceiverID: "b", Text: "only"},
		Now:            time.Date(2025, 3, 18, 8, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, page := range []int{maxHistoryPage, maxHistoryPage + 1, math.MaxInt} {
		res, err := s.FetchHistory(context.Background(), FetchHistoryInput{ConversationID: conv.ID, Page: page, PageSize: maxHistoryPageSize})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if len(res.Messages) != 0 || res.HasMore || res.TotalCount != 1 {
			t.Fatalf("page %d: %+v", page, res)
		}
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		page, size             int
		wantPage, wantSize, sk int
	}{
		{page: 0, size: 0, wantPage: 1, wantSize: defaultHistoryPageSize, sk: 0},
		{page: 3, size: 10, wantPage: 3, wantSize: 10, sk: 20},
		{page: 2, size: 1000, wantPage: 2, wantSize: maxHistoryPageSize, sk: maxHistoryPageSize},
		{page: math.MaxInt, size: maxHistoryPageSize, wantPage: maxHistoryPage, wantSize: maxHistoryPageSize, sk: (maxHistoryPage - 1) * maxHistoryPageSize},
	}
	for _, tc := range cases {
		p, sz, skip := normalizePage(tc.page, tc.size)
		if p != tc.wantPage || sz != tc.wantSize || skip != tc.sk {
			t.Fatalf("normalizePage(%d,%d)=(%d,%d,%d)", tc.page, tc.size, p, sz, skip)
		}
		if skip < 0 {
			t.Fatalf("negative skip %d", skip)
		}
	}
}

func TestInMemoryStore_AppendRules(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, Message: Message{SenderID: "a", ReceiverID: "b", Text: "   "}})
	if !IsValidation(err) {
		t.Fatalf("blank text: want validation error got %v", err)
	}
	if n, _ := s.CountMessages(ctx, conv.ID); n != 0 {
		t.Fatalf("blank text stored: count=%d", n)
	}

	_, err = s.AppendMessage(ctx, AppendMessageInput{ConversationID: "missing", Message: Message{SenderID: "a", ReceiverID: "b", Text: "x"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: want ErrNotFound got %v", err)
	}

	now := time.Date(2025, 3, 18, 12, 0, 0, 0, time.UTC)
	first, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		Message: Message{SenderID: "a", ReceiverID: "b", Attachment: &Attachment{
			URL: "/uploads/a.pdf", Name: "a.pdf", MimeType: "application/pdf", SizeLabel: "2.0 KB",
		}},
		Now: now,
	})
	if err != nil {
		t.Fatalf("attachment only: %v", err)
	}
	if !first.Stored.Attachment.UploadedAt.Equal(now) {
		t.Fatalf("uploadedAt default=%v want %v", first.Stored.Attachment.UploadedAt, now)
	}

	second, err := s.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		Message:        Message{SenderID: "b", ReceiverID: "a", Text: "earlier clock"},
		Now:            now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Stored.Timestamp.Before(first.Stored.Timestamp) {
		t.Fatalf("timestamps decreased: %v < %v", second.Stored.Timestamp, first.Stored.Timestamp)
	}
}
