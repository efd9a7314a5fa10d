package main

import (
	"errors"
	"net/http"

	"github.com/gonzalop/ftpd/server"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sessionRegistry is the part of the supervisor the admin endpoints use.
type sessionRegistry interface {
	Sessions() []server.SessionInfo
	CloseSession(id string) error
}

// adminHandler serves:
//
//	GET    /metrics        Prometheus exposition
//	GET    /sessions       open sessions as JSON
//	DELETE /sessions/{id}  close one session with a 421 reply
func adminHandler(reg *prometheus.Registry, sessions sessionRegistry, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sessions.Sessions()); err != nil {
			logger.Warn("sessions_encode_failed", zap.Error(err))
		}
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		err := sessions.CloseSession(r.PathValue("id"))
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			// The session is gone either way; the reply write failed.
			logger.Debug("session_close_failed", zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}
