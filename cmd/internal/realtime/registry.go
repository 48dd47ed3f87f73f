package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Registry resolves an unordered pair of identities to its single canonical Conversation.
//
// Creation is serialized per pair inside the process (keyLocks); the store's unique
// pair constraint covers other processes, and a lost race is resolved by re-reading.
type Registry struct {
	log     *slog.Logger
	store   ConversationStore
	metrics *Metrics
	now     func() time.Time

	locks keyLocks
}

// NewRegistry constructs a Registry over store.
func NewRegistry(log *slog.Logger, store ConversationStore, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		store:   store,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the conversation of (userA, userB), creating it if absent.
// created is true only for the call that inserted it.
func (r *Registry) Resolve(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	pair := NewPair(userA, userB)
	if !pair.Valid() {
		return Conversation{}, false, validationError("registry.Resolve", "both user ids are required")
	}

	unlock := r.locks.lock(pair.Key())
	defer unlock()

	conv, err := r.store.FindConversation(ctx, pair)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		r.metrics.storeError("find_conversation")
		return Conversation{}, false, storeError("registry.Resolve", err)
	}

	now := r.now()
	conv, err = r.store.CreateConversation(ctx, Conversation{
		ID:           mustULID(now),
		ParticipantA: pair.A,
		ParticipantB: pair.B,
		CreatedAt:    now,
	})
	switch {
	case err == nil:
		r.metrics.conversationCreated()
		r.log.Info("conversation.created", "conversation_id", conv.ID, "participant_a", pair.A, "participant_b", pair.B)
		return conv, true, nil

	case errors.Is(err, ErrConflict):
		// Another process created it between our read and insert.
		conv, err = r.store.FindConversation(ctx, pair)
		if err != nil {
			r.metrics.storeError("find_conversation")
			return Conversation{}, false, storeError("registry.Resolve", err)
		}
		return conv, false, nil

	default:
		r.metrics.storeError("create_conversation")
		return Conversation{}, false, storeError("registry.Resolve", err)
	}
}

// Lookup returns the conversation of (userA, userB) without creating it.
func (r *Registry) Lookup(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	pair := NewPair(userA, userB)
	if !pair.Valid() {
		return Conversation{}, false, validationError("registry.Lookup", "both user ids are required")
	}

	conv, err := r.store.FindConversation(ctx, pair)
	if errors.Is(err, ErrNotFound) {
		return Conversation{}, false, nil
	}
	if err != nil {
		r.metrics.storeError("find_conversation")
		return Conversation{}, false, storeError("registry.Lookup", err)
	}
	return conv, true, nil
}
