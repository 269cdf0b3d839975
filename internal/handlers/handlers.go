package handlers

import (
	"context"
	"io/fs"
	"net/http"

	"github.com/abrezinsky/planningpoker/internal/decks"
	"github.com/abrezinsky/planningpoker/internal/gateway"
	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/repository"
)

// Gateway is the realtime hub as seen by the HTTP layer
type Gateway interface {
	ServeWs(w http.ResponseWriter, r *http.Request)
	View(ctx context.Context, sessionID string) (models.SessionView, bool, error)
	Stats(ctx context.Context) (gateway.Stats, error)
}

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handlers
type Deps struct {
	Gateway  Gateway
	Decks    *decks.Catalog
	Settings repository.SettingsRepository
	Store    Pinger
	// Metrics serves the Prometheus exposition; nil disables /metrics.
	Metrics http.Handler
	// Static holds the app shell; index.html is served for unknown paths.
	Static fs.FS
	// AllowedOrigins feeds CORS; empty allows any origin.
	AllowedOrigins []string
	Version        string
	Log            logger.Logger
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	gateway  Gateway
	decks    *decks.Catalog
	settings repository.SettingsRepository
	store    Pinger
	metrics  http.Handler
	static   fs.FS
	origins  []string
	version  string
	log      logger.Logger
}

// New creates a new Handlers instance with all dependencies
func New(deps Deps) *Handlers {
	if deps.Decks == nil {
		deps.Decks = decks.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handlers{
		gateway:  deps.Gateway,
		decks:    deps.Decks,
		settings: deps.Settings,
		store:    deps.Store,
		metrics:  deps.Metrics,
		static:   deps.Static,
		origins:  deps.AllowedOrigins,
		version:  deps.Version,
		log:      deps.Log,
	}
}
