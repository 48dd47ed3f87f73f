package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/cmd/internal/accounts"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/chatapi"
	"parley/cmd/internal/realtime"
)

// routes groups everything registerHTTP mounts.
type routes struct {
	cfg      Config
	log      Logger
	ready    func(ctx context.Context) error
	dbOn     bool
	registry *prometheus.Registry
	ws       *realtime.WSGateway
	chat     *chatapi.Handler
	users    *accounts.Handler
	authn    *auth.Authenticator
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.dbOn {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if rt.ready != nil {
			if err := rt.ready(r.Context()); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}))
	}

	mux.Handle("/ws", rt.ws)

	// /api/* is authenticated when an Authenticator is configured; login stays public.
	api := http.NewServeMux()
	rt.chat.Register(api)
	rt.users.Register(mux, api)

	var apiHandler http.Handler = api
	if rt.authn != nil {
		apiHandler = rt.authn.Middleware(api)
	}
	mux.Handle("/api/", apiHandler)

	mux.Handle("GET "+rt.chat.URLPrefix(), rt.chat.FilesHandler())
}
