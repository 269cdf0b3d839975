package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// conditionalHTTPLogger only logs HTTP requests when HTTP logging is enabled
func (h *Handlers) conditionalHTTPLogger(next http.Handler) http.Handler {
	logger := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.log != nil && h.log.IsHTTPLoggingEnabled() {
			logger.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}

func (h *Handlers) corsHandler() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}).Handler
}

// Router returns a configured chi router with all routes
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.conditionalHTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsHandler())

	// WebSocket
	if h.gateway != nil {
		r.Get("/ws", h.gateway.ServeWs)
	}

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", h.handleVersion)
		r.Get("/decks", h.handleGetDecks)
		r.Get("/stats", h.handleGetStats)
		r.Get("/sessions/{id}", h.handleGetSession)
		r.Get("/sessions/{id}/stats", h.handleGetSessionStats)
		r.Get("/sessions/{id}/qr", h.handleGetSessionQR)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusNotFound, NotFound("Not found"))
		})
	})

	// App shell
	r.NotFound(h.handleApp)

	return r
}
