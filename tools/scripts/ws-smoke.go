// Package main provides a CI-friendly WebSocket smoke test for Parley realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - joinRoom echo with the same chatRoomId for both participants
//   - typing and stopTyping relay
//   - sendMessage -> userStoppedTyping + receiveMessage to the receiver, messageDelivered to the sender
//   - optional REST history fetch containing the sent message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// Presence broadcasts can arrive at any point and are never asserted on.
var alwaysSkip = map[string]struct{}{v1.TypeUserOnlineStatus: {}}

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "HTTP base URL for the history check (empty skips it)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "User id of client A")
		userB   = flag.String("b", "smoke-bob", "User id of client B")
		tokenA  = flag.String("token-a", "", "Auth token for A (when the gateway requires auth)")
		tokenB  = flag.String("token-b", "", "Auth token for B")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	roomA := mustJoin(root, a, b.userID, *timeout)
	roomB := mustJoin(root, b, a.userID, *timeout)
	if roomA != roomB {
		fatalf("join: chatRoomId mismatch: A=%s B=%s", roomA, roomB)
	}
	if *verbose {
		fmt.Printf("joined: chatRoomId=%s\n", roomA)
	}

	mustWrite(root, a, v1.TypeTyping, v1.PairPayload{SenderID: a.userID, ReceiverID: b.userID}, *timeout)
	mustAssertTypingFrom(root, b, v1.TypeUserTyping, a.userID, *timeout)

	mustWrite(root, a, v1.TypeStopTyping, v1.PairPayload{SenderID: a.userID, ReceiverID: b.userID}, *timeout)
	mustAssertTypingFrom(root, b, v1.TypeUserStoppedTyping, a.userID, *timeout)

	mustWrite(root, a, v1.TypeSendMessage, v1.SendMessagePayload{
		SenderID:   a.userID,
		ReceiverID: b.userID,
		Message:    *text,
	}, *timeout)

	mustAssertTypingFrom(root, b, v1.TypeUserStoppedTyping, a.userID, *timeout)
	got := mustReadMessage(root, b, v1.TypeReceiveMessage, *timeout)
	sent := mustReadMessage(root, a, v1.TypeMessageDelivered, *timeout)

	if got.MessageID == "" || got.MessageID != sent.MessageID {
		fatalf("message id mismatch: received=%q delivered=%q", got.MessageID, sent.MessageID)
	}
	if got.ChatRoomID != roomA {
		fatalf("message chatRoomId=%q want=%q", got.ChatRoomID, roomA)
	}
	if got.Text == nil || *got.Text != *text {
		fatalf("message text mismatch: got=%v want=%q", got.Text, *text)
	}

	if strings.TrimSpace(*apiURL) != "" {
		mustHistoryContains(root, *apiURL, *tokenA, a.userID, b.userID, got.MessageID, *timeout)
	}

	fmt.Printf("OK: A=%s B=%s chatRoomId=%s messageId=%s\n", a.userID, b.userID, roomA, got.MessageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("userId", userID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, peerID string, stepTimeout time.Duration) string {
	mustWrite(parent, c, v1.TypeJoinRoom, v1.PairPayload{SenderID: c.userID, ReceiverID: peerID}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, nil)
	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal roomJoined (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ChatRoomID) == "" || len(p.Users) != 2 {
		fatalf("roomJoined malformed (%s): %+v", c.name, p)
	}
	return p.ChatRoomID
}

func mustAssertTypingFrom(parent context.Context, c *smokeClient, typ, senderID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, typ, stepTimeout, nil)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s (%s): %v", typ, c.name, err)
	}
	if p.SenderID != senderID {
		fatalf("%s (%s): senderId=%q want=%q", typ, c.name, p.SenderID, senderID)
	}
}

func mustReadMessage(parent context.Context, c *smokeClient, typ string, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, typ, stepTimeout, nil)
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s (%s): %v", typ, c.name, err)
	}
	return p
}

func mustHistoryContains(parent context.Context, base, token, viewer, other, messageID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("senderId", viewer)
	q.Set("receiverId", other)
	q.Set("limit", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/chat/history?"+q.Encode(), nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fatalf("history: status=%d", resp.StatusCode)
	}

	var body struct {
		Chats []struct {
			Type      string `json:"type"`
			MessageID string `json:"messageId"`
		} `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fatalf("history decode: %v", err)
	}
	for _, item := range body.Chats {
		if item.MessageID == messageID {
			return
		}
	}
	fatalf("history: message %s not found in latest page", messageID)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := alwaysSkip[env.Type]; ok {
				continue
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
