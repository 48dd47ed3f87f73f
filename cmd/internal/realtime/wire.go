package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ---- domain <-> wire ----

func toWireAttachment(a *Attachment) *v1.Attachment {
	if a == nil {
		return nil
	}
	out := &v1.Attachment{
		URL:       a.URL,
		Name:      a.Name,
		MimeType:  a.MimeType,
		SizeLabel: a.SizeLabel,
	}
	if !a.UploadedAt.IsZero() {
		t := a.UploadedAt
		out.UploadedAt = &t
	}
	return out
}

// FromWireAttachment converts a client-supplied attachment descriptor.
func FromWireAttachment(a *v1.Attachment) *Attachment {
	if a == nil {
		return nil
	}
	out := &Attachment{
		URL:       strings.TrimSpace(a.URL),
		Name:      a.Name,
		MimeType:  a.MimeType,
		SizeLabel: a.SizeLabel,
	}
	if a.UploadedAt != nil {
		out.UploadedAt = a.UploadedAt.UTC()
	}
	return out
}

// MessagePayload renders a stored message as delivered to clients.
func MessagePayload(m StoredMessage) v1.MessagePayload {
	var text *string
	if m.Text != "" {
		t := m.Text
		text = &t
	}
	return v1.MessagePayload{
		MessageID:  m.ID,
		ChatRoomID: m.ConversationID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       text,
		Attachment: toWireAttachment(m.Attachment),
		Timestamp:  m.Timestamp,
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}
