package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMirrorTimeout = 2 * time.Second

// PresenceEntry is the directory record of one user.
type PresenceEntry struct {
	UserID    string
	Handle    *Client
	IsOnline  bool
	UpdatedAt time.Time

	mirroredAt time.Time
}

// PresenceMirror publishes presence changes outside the process.
// Failures are reported to the directory, which logs them and carries on.
type PresenceMirror interface {
	Online(ctx context.Context, userID, sessionID string) error
	Offline(ctx context.Context, userID string) error
}

type nopMirror struct{}

func (nopMirror) Online(context.Context, string, string) error { return nil }
func (nopMirror) Offline(context.Context, string) error        { return nil }

// Presence maps each user to at most one live connection handle.
// Writes are last-writer-wins under a single mutex.
//
// Mirror writes for one user are serialized and always publish the entry as it is when the
// write starts, so the last write to land matches the directory.
type Presence struct {
	log           *slog.Logger
	mirror        PresenceMirror
	mirrorTimeout time.Duration
	mirrorRefresh time.Duration
	mirrorLocks   keyLocks
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*PresenceEntry
}

// PresenceOption configures a Presence directory.
type PresenceOption func(*Presence)

// WithPresenceMirror mirrors every upsert to m.
func WithPresenceMirror(m PresenceMirror) PresenceOption {
	return func(p *Presence) {
		if m != nil {
			p.mirror = m
		}
	}
}

// WithMirrorTimeout bounds each mirror write.
func WithMirrorTimeout(d time.Duration) PresenceOption {
	return func(p *Presence) {
		if d > 0 {
			p.mirrorTimeout = d
		}
	}
}

// WithMirrorRefresh sets the minimum interval between Touch refreshes of an online entry.
// Set it below the mirror's expiry so long-lived connections stay visible.
func WithMirrorRefresh(d time.Duration) PresenceOption {
	return func(p *Presence) {
		if d > 0 {
			p.mirrorRefresh = d
		}
	}
}

// NewPresence constructs an empty directory.
func NewPresence(log *slog.Logger, opts ...PresenceOption) *Presence {
	if log == nil {
		log = slog.Default()
	}
	p := &Presence{
		log:           log,
		mirror:        nopMirror{},
		mirrorTimeout: defaultMirrorTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		entries:       make(map[string]*PresenceEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SetOnline binds userID to handle. It reports true only when the user was unknown or offline;
// an online user reconnecting with a new handle is rebound silently.
func (p *Presence) SetOnline(ctx context.Context, userID string, handle *Client) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" || handle == nil {
		return false
	}

	p.mu.Lock()
	e, ok := p.entries[userID]
	transitioned := !ok || !e.IsOnline
	if !ok {
		e = &PresenceEntry{UserID: userID}
		p.entries[userID] = e
	}
	e.Handle = handle
	e.IsOnline = true
	e.UpdatedAt = p.now()
	p.mu.Unlock()

	p.syncMirror(ctx, userID)
	return transitioned
}

// SetOffline marks userID offline and clears its handle.
// If the entry is held by a different handle that is still live, the caller is a superseded
// connection and nothing changes.
func (p *Presence) SetOffline(ctx context.Context, userID string, handle *Client) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}

	p.mu.Lock()
	e, ok := p.entries[userID]
	if ok && e.IsOnline && e.Handle != nil && e.Handle != handle && e.Handle.Alive() {
		p.mu.Unlock()
		return false
	}
	if !ok {
		e = &PresenceEntry{UserID: userID}
		p.entries[userID] = e
	}
	e.Handle = nil
	e.IsOnline = false
	e.UpdatedAt = p.now()
	p.mu.Unlock()

	p.syncMirror(ctx, userID)
	return true
}

// Touch re-publishes an online entry held by handle, at most once per refresh interval.
// It reports whether the mirror was written.
func (p *Presence) Touch(ctx context.Context, userID string, handle *Client) bool {
	p.mu.Lock()
	e, ok := p.entries[userID]
	due := ok && e.IsOnline && e.Handle == handle && handle != nil &&
		(p.mirrorRefresh <= 0 || p.now().Sub(e.mirroredAt) >= p.mirrorRefresh)
	p.mu.Unlock()

	if !due {
		return false
	}
	p.syncMirror(ctx, userID)
	return true
}

// Lookup returns a copy of the entry for userID.
func (p *Presence) Lookup(userID string) (PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	return *e, true
}

// Online returns the online entries sorted by user id.
func (p *Presence) Online() []PresenceEntry {
	p.mu.Lock()
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.IsOnline {
			out = append(out, *e)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// syncMirror publishes the current state of userID.
func (p *Presence) syncMirror(ctx context.Context, userID string) {
	unlock := p.mirrorLocks.lock(userID)
	defer unlock()

	p.mu.Lock()
	var sessionID string
	e, ok := p.entries[userID]
	online := ok && e.IsOnline && e.Handle != nil
	if online {
		sessionID = e.Handle.SessionID
		e.mirroredAt = p.now()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.mirrorTimeout)
	defer cancel()

	op := "offline"
	var err error
	if online {
		op = "online"
		err = p.mirror.Online(ctx, userID, sessionID)
	} else {
		err = p.mirror.Offline(ctx, userID)
	}
	if err != nil {
		p.log.Warn("presence.mirror.fail", "op", op, "user_id", userID, "err", err)
	}
}
