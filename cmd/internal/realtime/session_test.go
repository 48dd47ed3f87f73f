package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

func inbound(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewRandomHex(4), TS: time.Now().UTC(), Payload: b}
}

func openSession(t *testing.T, svc *Service, userID string) (*Session, *Client) {
	t.Helper()
	c := NewClient(userID, NewRandomHex(6), 32)
	s := NewSession(nil, svc, c)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open %s: %v", userID, err)
	}
	return s, c
}

func TestSession_OpenWithoutIdentity(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	c := NewClient("  ", "s1", 4)
	s := NewSession(nil, svc, c)

	err := s.Open(context.Background())
	if !errors.Is(err, ErrIdentityMissing) {
		t.Fatalf("want ErrIdentityMissing got %v", err)
	}
	if s.State() != StateClosed || c.Alive() {
		t.Fatalf("state=%v alive=%v", s.State(), c.Alive())
	}
	if len(svc.Presence().Online()) != 0 {
		t.Fatalf("presence registered without identity")
	}
	if err := s.Handle(context.Background(), inbound(t, v1.TypeTyping, v1.PairPayload{})); !IsValidation(err) {
		t.Fatalf("closed session accepted an event: %v", err)
	}
}

func TestSession_JoinEchoesRoom(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	s, c := openSession(t, svc, "alice")

	if err := s.Handle(context.Background(), inbound(t, v1.TypeJoinRoom, v1.PairPayload{SenderID: "alice", ReceiverID: "bob"})); err != nil {
		t.Fatalf("join: %v", err)
	}
	got := drain(c)
	if types(got) != v1.TypeRoomJoined {
		t.Fatalf("events=%s", types(got))
	}
	var p v1.RoomJoinedPayload
	_ = json.Unmarshal(got[0].Payload, &p)
	if p.ChatRoomID == "" || len(p.Users) != 2 || p.Users[0] != "alice" || p.Users[1] != "bob" {
		t.Fatalf("payload=%+v", p)
	}
	if r := svc.Hub().Room(p.ChatRoomID); r == nil || r.Len() != 1 {
		t.Fatalf("not subscribed")
	}

	// Joining from the other side resolves the same conversation.
	s2, c2 := openSession(t, svc, "bob")
	if err := s2.Handle(context.Background(), inbound(t, v1.TypeJoinRoom, v1.PairPayload{SenderID: "bob", ReceiverID: "alice"})); err != nil {
		t.Fatalf("join: %v", err)
	}
	var p2 v1.RoomJoinedPayload
	_ = json.Unmarshal(drain(c2)[0].Payload, &p2)
	if p2.ChatRoomID != p.ChatRoomID {
		t.Fatalf("pair resolved to %s and %s", p.ChatRoomID, p2.ChatRoomID)
	}

	s.Close(context.Background())
	s2.Close(context.Background())
	if svc.Hub().RoomCount() != 0 {
		t.Fatalf("rooms left after close: %d", svc.Hub().RoomCount())
	}
}

func TestSession_RejectsForeignSender(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc, _ := newTestService(t, store)
	s, _ := openSession(t, svc, "alice")

	for _, env := range []v1.Envelope{
		inbound(t, v1.TypeSendMessage, v1.SendMessagePayload{SenderID: "mallory", ReceiverID: "bob", Message: "hi"}),
		inbound(t, v1.TypeJoinRoom, v1.PairPayload{SenderID: "mallory", ReceiverID: "bob"}),
		inbound(t, v1.TypeTyping, v1.PairPayload{SenderID: "mallory", ReceiverID: "bob"}),
	} {
		if err := s.Handle(context.Background(), env); !IsValidation(err) {
			t.Fatalf("%s: want validation error got %v", env.Type, err)
		}
	}
	if s.State() != StateActive {
		t.Fatalf("session left Active after a validation failure")
	}
	if convs, _ := store.ListConversations(context.Background()); len(convs) != 0 {
		t.Fatalf("foreign sender created a conversation")
	}
}

func TestSession_BadPayload(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	s, _ := openSession(t, svc, "alice")

	env := v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, Payload: json.RawMessage(`{"senderId": 5}`)}
	if err := s.Handle(context.Background(), env); !IsValidation(err) {
		t.Fatalf("want validation error got %v", err)
	}
	env.Payload = nil
	if err := s.Handle(context.Background(), env); !IsValidation(err) {
		t.Fatalf("missing payload: want validation error got %v", err)
	}
}

func TestSession_FlakyReconnectBroadcastsOnce(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	_, observer := openSession(t, svc, "bob")

	first, _ := openSession(t, svc, "alice")
	second, _ := openSession(t, svc, "alice")

	// The first connection's close arrives after the second registered.
	first.Close(context.Background())

	var statuses []v1.OnlineStatusPayload
	for _, env := range drain(observer) {
		if env.Type != v1.TypeUserOnlineStatus {
			continue
		}
		var p v1.OnlineStatusPayload
		_ = json.Unmarshal(env.Payload, &p)
		statuses = append(statuses, p)
	}
	if len(statuses) != 1 || statuses[0].UserID != "alice" || !statuses[0].IsOnline {
		t.Fatalf("statuses=%+v want one online broadcast", statuses)
	}
	if e, _ := svc.Presence().Lookup("alice"); !e.IsOnline {
		t.Fatalf("alice should still be online")
	}

	second.Close(context.Background())
	got := drain(observer)
	if types(got) != v1.TypeUserOnlineStatus {
		t.Fatalf("events after final close=%s", types(got))
	}
	var p v1.OnlineStatusPayload
	_ = json.Unmarshal(got[0].Payload, &p)
	if p.IsOnline {
		t.Fatalf("want offline broadcast")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	svc, m := newTestService(t, NewInMemoryStore())
	_, observer := openSession(t, svc, "bob")
	s, c := openSession(t, svc, "alice")
	drain(observer)

	s.Close(context.Background())
	s.Close(context.Background())

	if s.State() != StateClosed || c.Alive() {
		t.Fatalf("state=%v alive=%v", s.State(), c.Alive())
	}
	if got := types(drain(observer)); got != v1.TypeUserOnlineStatus {
		t.Fatalf("observer events=%s want a single status", got)
	}
	if v := testutilGauge(m); v != 1 {
		t.Fatalf("active sessions=%v want 1", v)
	}
}

func TestSession_SendSubscribesRoom(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	s, c := openSession(t, svc, "alice")

	err := s.Handle(context.Background(), inbound(t, v1.TypeSendMessage, v1.SendMessagePayload{SenderID: "alice", ReceiverID: "bob", Message: "yo"}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := types(drain(c)); got != v1.TypeMessageDelivered {
		t.Fatalf("events=%s", got)
	}
	if svc.Hub().RoomCount() != 1 {
		t.Fatalf("send did not subscribe the room")
	}
}
