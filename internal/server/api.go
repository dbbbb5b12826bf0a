package server

import (
	"encoding/json"
	"github.com/cirruslabs/webterm/internal/settings"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
)

const maxSettingsSize = 1024 * 1024

func (ts *TerminalServer) router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer)
	router.Use(ts.requireKey)

	router.Get("/socket", ts.serveSocket)
	router.Get("/api/settings/get", ts.getSettings)
	router.Post("/api/settings/save", ts.saveSettings)
	router.Handle("/metrics", promhttp.HandlerFor(ts.metrics.registry, promhttp.HandlerOpts{}))

	return router
}

// requireKey checks the "key" query parameter against the authentication key.
func (ts *TerminalServer) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")

		if !ts.gate.IsAuthorized(key) {
			transport := transportHTTP
			if r.URL.Path == "/socket" {
				transport = transportSocket
			}

			ts.metrics.authRejections.WithLabelValues(transport).Inc()
			ts.logger.With(ts.RequestTraceContext(r)...).Info("rejecting unauthorized request",
				zap.String("path", r.URL.Path), HashedKeyField(key))

			http.Error(w, "Not authorized.", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (ts *TerminalServer) getSettings(w http.ResponseWriter, r *http.Request) {
	document, err := ts.settings.Read()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, document)
}

func (ts *TerminalServer) saveSettings(w http.ResponseWriter, r *http.Request) {
	var document settings.Document

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsSize)).Decode(&document); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := ts.settings.Write(document); err != nil {
		ts.logger.With(ts.RequestTraceContext(r)...).Warn("failed to save settings", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
