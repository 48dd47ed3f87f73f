// Package app wires the Parley server runtime: config, logging, storage backends, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"parley/cmd/internal/accounts"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/chatapi"
	"parley/cmd/internal/realtime"
)

// App is the Parley server runtime: it owns HTTP server wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	backends *backends
	svc      *realtime.Service
	handler  http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(ctx, cfg, log, b)
	if err != nil {
		_ = b.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// assemble builds the service graph and routes over already opened backends.
func assemble(ctx context.Context, cfg Config, log Logger, b *backends) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	var presenceOpts []realtime.PresenceOption
	if b.mirror != nil {
		presenceOpts = append(presenceOpts,
			realtime.WithPresenceMirror(b.mirror),
			realtime.WithMirrorRefresh(cfg.PresenceTTL/2),
		)
	}
	svc := realtime.NewService(log, b.store, realtime.NewPresence(log, presenceOpts...), metrics, realtime.ServiceConfig{
		StoreTimeout: cfg.StoreTimeout,
		Location:     loc,
	})

	if cfg.SeedUsers != "" {
		ins, err := accounts.ParseSeed(cfg.SeedUsers)
		if err != nil {
			return nil, err
		}
		n, err := accounts.Seed(ctx, b.users, ins)
		if err != nil {
			return nil, err
		}
		log.Info("accounts.seeded", "created", n)
	}

	if cfg.SyncCountsOnStart {
		n, err := svc.RepairMessageCounts(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("conversation.counts.synced", "repaired", n)
	}

	var (
		authn  *auth.Authenticator
		issuer accounts.TokenIssuer
	)
	if cfg.JWTSecret != "" {
		jwtIssuer, err := auth.NewJWTIssuer(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		authn, err = auth.NewAuthenticator(log, jwtIssuer, b.partners, []byte(cfg.DigestKey))
		if err != nil {
			return nil, err
		}
		issuer = jwtIssuer
	}

	var gwOpts []realtime.GatewayOption
	if cfg.WSRequireAuth && authn != nil {
		gwOpts = append(gwOpts, realtime.WithIdentityResolver(authn.ResolveIdentity))
	}

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		cfg:      cfg,
		log:      log,
		ready:    b.Ping,
		dbOn:     b.dbEnabled(),
		registry: reg,
		ws:       realtime.NewWSGateway(log, svc, cfg.WS, gwOpts...),
		chat: chatapi.NewHandler(log, svc, chatapi.UploadConfig{
			Dir:      cfg.UploadDir,
			MaxBytes: int64(cfg.UploadMaxBytes),
		}),
		users: accounts.NewHandler(log, b.users, issuer),
		authn: authn,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		svc:      svc,
		handler:  WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log),
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.backends.kind,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.backends.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.backends.Close(shutdownCtx); err != nil {
		a.log.Error("backends.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
