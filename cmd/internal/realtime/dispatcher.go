package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Dispatcher pushes events to the live handle of a user.
// Delivery is best effort: offline users, dead handles and full queues are skipped, never waited on.
type Dispatcher struct {
	log      *slog.Logger
	presence *Presence
	metrics  *Metrics
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher reading handles from presence.
func NewDispatcher(log *slog.Logger, presence *Presence, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:      log,
		presence: presence,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notify sends an event of kind to userID and reports whether it was enqueued.
func (d *Dispatcher) Notify(userID, kind string, payload any) bool {
	e, ok := d.presence.Lookup(userID)
	if !ok || !e.IsOnline || !e.Handle.Alive() {
		d.metrics.dispatched(kind, dispatchOffline)
		return false
	}

	env, err := d.envelope(kind, payload)
	if err != nil {
		d.log.Error("dispatch.encode.fail", "kind", kind, "err", err)
		return false
	}

	if !e.Handle.offer(env) {
		d.metrics.dispatched(kind, dispatchDropped)
		d.log.Info("dispatch.drop", "kind", kind, "user_id", userID, "session_id", e.Handle.SessionID)
		return false
	}
	d.metrics.dispatched(kind, dispatchDelivered)
	return true
}

// Broadcast sends an event of kind to every online user except exceptUserID and returns how many got it.
func (d *Dispatcher) Broadcast(exceptUserID, kind string, payload any) int {
	env, err := d.envelope(kind, payload)
	if err != nil {
		d.log.Error("dispatch.encode.fail", "kind", kind, "err", err)
		return 0
	}

	n := 0
	for _, e := range d.presence.Online() {
		if e.UserID == exceptUserID {
			continue
		}
		if e.Handle.offer(env) {
			n++
			d.metrics.dispatched(kind, dispatchDelivered)
		} else {
			d.metrics.dispatched(kind, dispatchDropped)
		}
	}
	return n
}

func (d *Dispatcher) envelope(kind string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(kind, b, d.now()), nil
}
