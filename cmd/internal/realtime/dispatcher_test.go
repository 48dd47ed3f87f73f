package realtime

import (
	"context"
	"encoding/json"
	"testing"

	v1 "parley/shared/contracts/realtime/v1"
)

func TestDispatcher_Notify(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)
	d := NewDispatcher(nil, p, nil)
	ctx := context.Background()

	if d.Notify("ghost", v1.TypeUserTyping, v1.TypingPayload{SenderID: "a"}) {
		t.Fatalf("unknown user: want miss")
	}

	c := NewClient("bob", "s1", 1)
	p.SetOnline(ctx, "bob", c)

	if !d.Notify("bob", v1.TypeUserTyping, v1.TypingPayload{SenderID: "alice"}) {
		t.Fatalf("online user: want delivered")
	}
	// Queue of one is now full.
	if d.Notify("bob", v1.TypeUserStoppedTyping, v1.TypingPayload{SenderID: "alice"}) {
		t.Fatalf("full queue: want drop")
	}

	env := <-c.Send
	if env.Type != v1.TypeUserTyping || env.V != v1.Version {
		t.Fatalf("envelope=%+v", env)
	}
	var tp v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &tp); err != nil || tp.SenderID != "alice" {
		t.Fatalf("payload=%s err=%v", env.Payload, err)
	}

	// Stale online entry with a dead handle counts as absent.
	c.Close()
	if d.Notify("bob", v1.TypeUserTyping, v1.TypingPayload{SenderID: "alice"}) {
		t.Fatalf("dead handle: want miss")
	}
}

func TestDispatcher_BroadcastSkipsSender(t *testing.T) {
	t.Parallel()

	p := NewPresence(nil)
	d := NewDispatcher(nil, p, nil)
	ctx := context.Background()

	clients := map[string]*Client{}
	for _, u := range []string{"a", "b", "c"} {
		clients[u] = NewClient(u, u, 4)
		p.SetOnline(ctx, u, clients[u])
	}
	p.SetOffline(ctx, "c", clients["c"])

	n := d.Broadcast("a", v1.TypeUserOnlineStatus, v1.OnlineStatusPayload{UserID: "a", IsOnline: true})
	if n != 1 {
		t.Fatalf("broadcast reached %d want 1", n)
	}
	if len(clients["a"].Send) != 0 || len(clients["c"].Send) != 0 || len(clients["b"].Send) != 1 {
		t.Fatalf("queues a=%d b=%d c=%d", len(clients["a"].Send), len(clients["b"].Send), len(clients["c"].Send))
	}
}
