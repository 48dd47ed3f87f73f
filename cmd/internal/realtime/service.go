package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	v1 "parley/shared/contracts/realtime/v1"
)

const defaultStoreTimeout = 5 * time.Second

// ServiceConfig tunes a Service. Zero values select defaults.
type ServiceConfig struct {
	// StoreTimeout bounds every store call made on behalf of a request.
	StoreTimeout time.Duration
	// Location is used for history date and time labels.
	Location *time.Location
}

// Service is the realtime core: it wires the registry, store, presence directory and dispatcher
// into the operations used by websocket sessions and the HTTP API.
type Service struct {
	log        *slog.Logger
	store      Store
	registry   *Registry
	presence   *Presence
	dispatcher *Dispatcher
	hub        *Hub
	metrics    *Metrics

	storeTimeout time.Duration
	loc          *time.Location
	now          func() time.Time
}

// NewService constructs the realtime core over store and presence.
// metrics may be nil.
func NewService(log *slog.Logger, store Store, presence *Presence, metrics *Metrics, cfg ServiceConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if presence == nil {
		presence = NewPresence(log)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Service{
		log:          log,
		store:        store,
		registry:     NewRegistry(log, store, metrics),
		presence:     presence,
		dispatcher:   NewDispatcher(log, presence, metrics),
		hub:          NewHub(log),
		metrics:      metrics,
		storeTimeout: cfg.StoreTimeout,
		loc:          cfg.Location,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Presence exposes the directory (read access for handlers and tests).
func (s *Service) Presence() *Presence { return s.presence }

// Hub exposes the room hub.
func (s *Service) Hub() *Hub { return s.hub }

// Connect registers client as the live handle of its user and announces a transition to online.
func (s *Service) Connect(ctx context.Context, client *Client) bool {
	if !s.presence.SetOnline(ctx, client.UserID, client) {
		return false
	}
	s.metrics.presenceChanged(true)
	s.dispatcher.Broadcast(client.UserID, v1.TypeUserOnlineStatus, v1.OnlineStatusPayload{
		UserID:   client.UserID,
		IsOnline: true,
	})
	return true
}

// Disconnect marks client's user offline and announces it, unless a newer connection holds the user.
func (s *Service) Disconnect(ctx context.Context, client *Client) bool {
	if !s.presence.SetOffline(ctx, client.UserID, client) {
		return false
	}
	s.metrics.presenceChanged(false)
	s.dispatcher.Broadcast(client.UserID, v1.TypeUserOnlineStatus, v1.OnlineStatusPayload{
		UserID:   client.UserID,
		IsOnline: false,
	})
	return true
}

// Join resolves the conversation of (senderID, receiverID) and subscribes client to its room.
func (s *Service) Join(ctx context.Context, client *Client, senderID, receiverID string) (Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	conv, _, err := s.registry.Resolve(ctx, senderID, receiverID)
	if err != nil {
		return Conversation{}, err
	}
	if client != nil {
		s.hub.Subscribe(conv.ID, client)
	}
	return conv, nil
}

// Leave unsubscribes client from a conversation room.
func (s *Service) Leave(conversationID string, client *Client) {
	if client != nil {
		s.hub.Unsubscribe(conversationID, client.SessionID)
	}
}

// Typing relays a typing indicator from senderID to receiverID. Nothing is persisted.
func (s *Service) Typing(senderID, receiverID string, typing bool) error {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return validationError("service.Typing", "senderId and receiverId are required")
	}

	kind := v1.TypeUserStoppedTyping
	if typing {
		kind = v1.TypeUserTyping
	}
	s.dispatcher.Notify(receiverID, kind, v1.TypingPayload{SenderID: senderID})
	return nil
}

// SendMessage validates, persists and then delivers a message.
// Nothing is dispatched unless the append succeeded.
func (s *Service) SendMessage(ctx context.Context, msg Message) (StoredMessage, Conversation, error) {
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	msg.ReceiverID = strings.TrimSpace(msg.ReceiverID)
	if err := validateMessage(msg); err != nil {
		return StoredMessage{}, Conversation{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	conv, _, err := s.registry.Resolve(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		return StoredMessage{}, Conversation{}, err
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		Message:        msg,
		Now:            s.now(),
	})
	if err != nil {
		return StoredMessage{}, Conversation{}, s.storeFailure("append_message", "service.SendMessage", err)
	}
	stored := res.Stored
	s.metrics.messagePersisted()
	s.log.Debug("message.persisted",
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"bucket_id", stored.BucketID,
		"bucket_size", res.BucketSize,
	)

	payload := MessagePayload(stored)
	s.dispatcher.Notify(msg.ReceiverID, v1.TypeUserStoppedTyping, v1.TypingPayload{SenderID: msg.SenderID})
	s.dispatcher.Notify(msg.ReceiverID, v1.TypeReceiveMessage, payload)
	s.dispatcher.Notify(msg.SenderID, v1.TypeMessageDelivered, payload)

	conv.TotalMessageCount++
	return stored, conv, nil
}

// HistoryPage is a rendered page of a conversation's history.
type HistoryPage struct {
	// Conversation is nil when the pair has never exchanged a conversation.
	Conversation *Conversation
	Items        []HistoryItem
	Page         int
	PageSize     int
	TotalCount   int64
	HasMore      bool
}

// History returns page of the conversation between viewerID and otherID, rendered for viewerID.
// It never creates a conversation.
func (s *Service) History(ctx context.Context, viewerID, otherID string, page, pageSize int) (HistoryPage, error) {
	viewerID = strings.TrimSpace(viewerID)
	otherID = strings.TrimSpace(otherID)
	if viewerID == "" || otherID == "" {
		return HistoryPage{}, validationError("service.History", "senderId and receiverId are required")
	}
	page, pageSize, _ = normalizePage(page, pageSize)

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	conv, found, err := s.registry.Lookup(ctx, viewerID, otherID)
	if err != nil {
		return HistoryPage{}, err
	}
	if !found {
		return HistoryPage{Page: page, PageSize: pageSize, Items: []HistoryItem{}}, nil
	}

	res, err := s.store.FetchHistory(ctx, FetchHistoryInput{
		ConversationID: conv.ID,
		Page:           page,
		PageSize:       pageSize,
	})
	if err != nil {
		return HistoryPage{}, s.storeFailure("fetch_history", "service.History", err)
	}

	return HistoryPage{
		Conversation: &conv,
		Items:        Annotate(res.Messages, viewerID, s.now(), s.loc),
		Page:         page,
		PageSize:     pageSize,
		TotalCount:   res.TotalCount,
		HasMore:      res.HasMore,
	}, nil
}

// RepairMessageCounts recomputes every conversation's total message count from the store.
// It returns the number of conversations whose counter changed.
func (s *Service) RepairMessageCounts(ctx context.Context) (int, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, s.storeFailure("list_conversations", "service.RepairMessageCounts", err)
	}

	fixed := 0
	for _, c := range convs {
		n, err := s.store.CountMessages(ctx, c.ID)
		if err != nil {
			return fixed, s.storeFailure("count_messages", "service.RepairMessageCounts", err)
		}
		if n == c.TotalMessageCount {
			continue
		}
		if err := s.store.SetMessageCount(ctx, c.ID, n); err != nil {
			return fixed, s.storeFailure("set_message_count", "service.RepairMessageCounts", err)
		}
		s.log.Info("conversation.count.repaired", "conversation_id", c.ID, "was", c.TotalMessageCount, "now", n)
		fixed++
	}
	return fixed, nil
}

func (s *Service) storeFailure(metricOp, op string, err error) error {
	if IsValidation(err) {
		return err
	}
	s.metrics.storeError(metricOp)
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("store.timeout", "op", metricOp, "timeout", s.storeTimeout)
	}
	return storeError(op, err)
}

func validateMessage(m Message) error {
	const op = "service.SendMessage"
	if m.SenderID == "" || m.ReceiverID == "" {
		return validationError(op, "senderId and receiverId are required")
	}
	if !m.HasContent() {
		return validationError(op, "either text or attachment is required")
	}
	if utf8.RuneCountInString(m.Text) > maxMessageChars {
		return validationError(op, "message too long")
	}
	if m.Attachment != nil && m.Attachment.URL == "" {
		return validationError(op, "attachment url is required")
	}
	return nil
}
