package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// SessionState is the lifecycle state of a connection session.
type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one user identity to one live connection and routes its inbound events.
//
// Handle is called from a single read loop; Close may race with it and is idempotent.
type Session struct {
	log    *slog.Logger
	svc    *Service
	client *Client

	mu    sync.Mutex
	state SessionState
	rooms map[string]struct{}
}

// NewSession constructs a session in the Connecting state.
func NewSession(log *slog.Logger, svc *Service, client *Client) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:    log,
		svc:    svc,
		client: client,
		state:  StateConnecting,
		rooms:  make(map[string]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the identity bound to the session.
func (s *Session) UserID() string { return s.client.UserID }

// Open registers presence. A session without identity is closed without touching presence.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return validationError("session.Open", "session already opened")
	}
	if strings.TrimSpace(s.client.UserID) == "" {
		s.state = StateClosed
		s.mu.Unlock()
		s.client.Close()
		return OpError{Op: "session.Open", Kind: ErrIdentityMissing, Msg: "userId is required"}
	}
	s.state = StateActive
	s.mu.Unlock()

	s.svc.metrics.sessionOpened()
	s.svc.Connect(ctx, s.client)
	s.log.Info("session.open", "user_id", s.client.UserID, "session_id", s.client.SessionID)
	return nil
}

// Handle routes one inbound envelope. Returned errors are reported to the peer; the session stays Active.
func (s *Session) Handle(ctx context.Context, env v1.Envelope) error {
	if s.State() != StateActive {
		return validationError("session.Handle", "session is not active")
	}

	switch env.Type {
	case v1.TypeJoinRoom:
		var p v1.PairPayload
		if err := s.decode(env, &p); err != nil {
			return err
		}
		return s.onJoin(ctx, p)

	case v1.TypeTyping, v1.TypeStopTyping:
		var p v1.PairPayload
		if err := s.decode(env, &p); err != nil {
			return err
		}
		if err := s.checkSender(p.SenderID); err != nil {
			return err
		}
		return s.svc.Typing(p.SenderID, p.ReceiverID, env.Type == v1.TypeTyping)

	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := s.decode(env, &p); err != nil {
			return err
		}
		return s.onSend(ctx, p)

	default:
		return validationError("session.Handle", "unsupported type: "+env.Type)
	}
}

func (s *Session) onJoin(ctx context.Context, p v1.PairPayload) error {
	if err := s.checkSender(p.SenderID); err != nil {
		return err
	}

	conv, err := s.svc.Join(ctx, s.client, p.SenderID, p.ReceiverID)
	if err != nil {
		return err
	}
	s.trackRoom(conv.ID)

	b, _ := json.Marshal(v1.RoomJoinedPayload{
		ChatRoomID: conv.ID,
		Users:      []string{conv.ParticipantA, conv.ParticipantB},
		CreatedAt:  conv.CreatedAt,
	})
	if !s.client.offer(newEnvelope(v1.TypeRoomJoined, b, time.Now().UTC())) {
		s.log.Info("session.echo.drop", "type", v1.TypeRoomJoined, "session_id", s.client.SessionID)
	}
	return nil
}

func (s *Session) onSend(ctx context.Context, p v1.SendMessagePayload) error {
	if err := s.checkSender(p.SenderID); err != nil {
		return err
	}

	_, conv, err := s.svc.SendMessage(ctx, Message{
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Text:       p.Message,
		Attachment: FromWireAttachment(p.Attachment),
	})
	if err != nil {
		return err
	}

	if !s.hasRoom(conv.ID) {
		s.svc.hub.Subscribe(conv.ID, s.client)
		s.trackRoom(conv.ID)
	}
	return nil
}

// Close is idempotent. For an Active session it marks the user offline, announces it when that
// changed presence, and leaves every joined room.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	rooms := s.rooms
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()

	if prev == StateClosed {
		return
	}
	defer s.client.Close()
	if prev != StateActive {
		return
	}

	for id := range rooms {
		s.svc.Leave(id, s.client)
	}
	s.svc.Disconnect(ctx, s.client)
	s.svc.metrics.sessionClosed()
	s.log.Info("session.close", "user_id", s.client.UserID, "session_id", s.client.SessionID)
}

func (s *Session) checkSender(senderID string) error {
	if strings.TrimSpace(senderID) != s.client.UserID {
		return validationError("session.Handle", "senderId does not match the connected user")
	}
	return nil
}

func (s *Session) decode(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return validationError("session.Handle", "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return OpError{Op: "session.Handle", Kind: ErrValidation, Msg: "invalid payload", Err: err}
	}
	return nil
}

// trackRoom records a subscription so Close can undo it. A session closed meanwhile leaves at once.
func (s *Session) trackRoom(id string) {
	s.mu.Lock()
	closed := s.state == StateClosed
	if !closed {
		s.rooms[id] = struct{}{}
	}
	s.mu.Unlock()

	if closed {
		s.svc.Leave(id, s.client)
	}
}

func (s *Session) hasRoom(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok
}

// errorMessage returns the peer-facing text of err.
func errorMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		switch {
		case errors.Is(oe.Kind, ErrStore):
			return "message store unavailable"
		case oe.Msg != "":
			return oe.Msg
		}
	}
	return err.Error()
}
