package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// ErrUnauthenticated is returned by an IdentityResolver that rejects the upgrade request.
var ErrUnauthenticated = errors.New("unauthenticated")

// GatewayConfig holds the websocket transport knobs. Zero durations and sizes select defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	// AllowedOrigins lists full origins or bare hosts; "*" allows any origin.
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig requires an Origin header and allows only localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}.withDefaults()
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	c.SendQueueSize = max(c.SendQueueSize, wsMinSendQueueSize)
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// IdentityResolver extracts the connecting user's identity from the upgrade request.
// An empty identity with a nil error is accepted at the HTTP layer and closed by the session.
type IdentityResolver func(r *http.Request) (string, error)

// QueryIdentity reads the identity from the userId query parameter.
func QueryIdentity(r *http.Request) (string, error) {
	return strings.TrimSpace(r.URL.Query().Get("userId")), nil
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithIdentityResolver replaces the default userId query parameter lookup.
func WithIdentityResolver(fn IdentityResolver) GatewayOption {
	return func(g *WSGateway) {
		if fn != nil {
			g.identify = fn
		}
	}
}

// WSGateway is the WebSocket entrypoint for Parley realtime.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and feeds validated envelopes to one Session per connection.
type WSGateway struct {
	log      *slog.Logger
	svc      *Service
	identify IdentityResolver
	cfg      GatewayConfig

	// Hosts handed to websocket.Accept, which otherwise rejects every cross-origin upgrade.
	originPatterns []string
}

// NewWSGateway constructs a gateway serving svc.
func NewWSGateway(log *slog.Logger, svc *Service, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		svc = NewService(log, nil, nil, nil, ServiceConfig{})
	}

	cfg = cfg.withDefaults()
	g := &WSGateway{
		log:            log,
		svc:            svc,
		identify:       QueryIdentity,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP upgrades the request and runs the connection until either side closes it.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.identify(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient(userID, mustULID(time.Now()), g.cfg.SendQueueSize)
	wc := &wsConn{
		g:      g,
		conn:   conn,
		client: client,
		sess:   NewSession(g.log, g.svc, client),
		cancel: cancel,
	}

	if err := wc.sess.Open(ctx); err != nil {
		g.log.Info("ws.reject.identity", "session_id", client.SessionID, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "userId required")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wc.writeLoop(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		wc.heartbeatLoop(ctx)
	}()

	wc.readLoop(ctx)
	wc.shutdown(ctx, websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsConn is the per-connection state shared by the read, write and heartbeat loops.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	sess   *Session
	cancel context.CancelFunc

	closeOnce sync.Once
}

// shutdown is idempotent. Client.Send stays open; the session leaves rooms and presence first.
func (c *wsConn) shutdown(ctx context.Context, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.sess.Close(context.WithoutCancel(ctx))
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case env := <-c.client.Send:
			if err := writeEnvelope(ctx, c.conn, env, c.g.cfg.WriteTimeout); err != nil {
				c.g.log.Info("ws.write.fail",
					"session_id", c.client.SessionID,
					"close_status", websocket.CloseStatus(err),
					"err", err,
				)
				c.shutdown(ctx, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, c.g.cfg.HeartbeatTimeout)
		err := c.conn.Ping(pingCtx)
		pingCancel()
		if err == nil {
			failures = 0
			c.g.svc.presence.Touch(ctx, c.client.UserID, c.client)
			continue
		}

		failures++
		c.g.log.Info("ws.ping.fail", "session_id", c.client.SessionID, "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			c.shutdown(ctx, websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

// readLoop processes inbound envelopes serially until the connection ends.
func (c *wsConn) readLoop(ctx context.Context) {
	rl := NewRateLimiter(c.g.cfg.RateEvents, c.g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, c.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, c.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				c.sendError("bad_json", "invalid JSON")
				continue
			case readErrClose:
				c.shutdown(ctx, websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				c.shutdown(ctx, websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				c.shutdown(ctx, websocket.StatusAbnormalClosure, "conn closed")
			default:
				c.g.log.Info("ws.read.fail", "session_id", c.client.SessionID, "err", err)
				c.shutdown(ctx, websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now().UTC()) {
			c.sendError("rate_limited", "too many events")
			c.shutdown(ctx, websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			c.sendError("bad_envelope", err.Error())
			continue
		}
		if !env.Inbound() {
			c.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue
		}

		if err := c.sess.Handle(ctx, env); err != nil {
			if !IsValidation(err) {
				c.g.log.Warn("ws.event.fail", "session_id", c.client.SessionID, "type", env.Type, "err", err)
			}
			c.sendError(errorCode(err), errorMessage(err))
		}
	}
}

func (c *wsConn) sendError(code, msg string) {
	_ = c.client.offer(errorEnvelope(code, msg))
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := hostOf(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return nil
		case host != "" && host == hostOf(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// hostOf returns the lowercased host of an origin ("https://a.b:8080") or a bare host ("a.b:8080").
func hostOf(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// originPatterns returns the sorted, de-duplicated hosts of the allowlist.
// websocket.Accept matches them against the Origin host with filepath.Match.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if h := hostOf(a); h != "" && h != "*" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
