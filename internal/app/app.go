package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/config"
	"github.com/abrezinsky/planningpoker/internal/decks"
	"github.com/abrezinsky/planningpoker/internal/gateway"
	"github.com/abrezinsky/planningpoker/internal/handlers"
	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/metrics"
	"github.com/abrezinsky/planningpoker/internal/registry"
	"github.com/abrezinsky/planningpoker/internal/repository"
	"github.com/abrezinsky/planningpoker/internal/tracker"
)

// App holds all application dependencies
type App struct {
	cfg       *config.Config
	log       logger.Logger
	repo      *repository.Repository
	registry  *registry.Registry
	persister *registry.Persister
	hub       *gateway.Hub
	metrics   *metrics.Prometheus
	handlers  *handlers.Handlers
	cancelHub context.CancelFunc

	mu      sync.Mutex
	server  *http.Server
	baseURL string
	closed  bool
}

// New opens the store, restores saved sessions and starts the hub
func New(cfg *config.Config, log logger.Logger, staticFS fs.FS, version string) (*App, error) {
	catalog := decks.Default()
	if cfg.DecksFile != "" {
		c, err := decks.LoadFile(cfg.DecksFile)
		if err != nil {
			return nil, fmt.Errorf("loading decks: %w", err)
		}
		catalog = c
	}

	repo, err := repository.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	reg := registry.New(catalog, clock, log.With("component", "registry"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	restored, err := registry.Load(ctx, repo, reg)
	cancel()
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("restoring sessions: %w", err)
	}
	expired := reg.ExpireIdle(cfg.SessionTTL)
	log.Info("Sessions restored", "restored", restored, "expired", len(expired), "active", reg.Len())

	m := metrics.New()
	persister := registry.NewPersister(repo, log.With("component", "persister"), m)
	persister.Start()
	if len(expired) > 0 {
		persister.Submit(reg.SnapshotAll())
	}

	hub := gateway.New(cfg.Gateway(), gateway.Deps{
		Registry:  reg,
		Tracker:   tracker.New(clock),
		Persister: persister,
		Metrics:   m,
		Clock:     clock,
		Logger:    log.With("component", "gateway"),
	})
	hubCtx, cancelHub := context.WithCancel(context.Background())
	hub.Start(hubCtx)

	h := handlers.New(handlers.Deps{
		Gateway:        hub,
		Decks:          catalog,
		Settings:       repo,
		Store:          repo,
		Metrics:        m.Handler(),
		Static:         staticFS,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
		Log:            log,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		repo:      repo,
		registry:  reg,
		persister: persister,
		hub:       hub,
		metrics:   m,
		handlers:  h,
		cancelHub: cancelHub,
	}, nil
}

// Router returns the configured HTTP router
func (a *App) Router() chi.Router {
	return a.handlers.Router()
}

// Stats reports live hub state
func (a *App) Stats(ctx context.Context) (gateway.Stats, error) {
	return a.hub.Stats(ctx)
}

// BaseURL returns the public address once the server is running
func (a *App) BaseURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseURL
}

// Run listens on the configured port and serves until Shutdown
func (a *App) Run() error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return err
	}
	return a.Serve(ln)
}

// Serve serves HTTP on ln until Shutdown
func (a *App) Serve(ln net.Listener) error {
	port := ln.Addr().(*net.TCPAddr).Port
	baseURL := a.configureBaseURL(port)

	srv := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	a.server = srv
	a.baseURL = baseURL
	a.mu.Unlock()

	a.log.Info("Server starting", "url", baseURL)
	a.log.Info("Join URL", "url", baseURL+"/?session=<id>")
	err := srv.Serve(ln)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// configureBaseURL stores the public address used for share links. A
// configured BASE_URL always wins; otherwise the detected LAN address is
// stored unless a usable value is already present.
func (a *App) configureBaseURL(port int) string {
	if a.cfg.BaseURL != "" {
		ctx := context.Background()
		if err := a.repo.SetSetting(ctx, repository.SettingBaseURL, a.cfg.BaseURL); err != nil {
			a.log.Warn("Failed to store base_url", "error", err)
		}
		return a.cfg.BaseURL
	}

	ip := getPreferredIP(realNetworkProvider{})
	detected := fmt.Sprintf("http://%s:%d", ip, port)
	return a.setDefaultBaseURL(detected)
}

// setDefaultBaseURL sets the base URL setting if not already configured
// or if current value uses localhost (which isn't useful for QR codes).
// It returns the value in effect.
func (a *App) setDefaultBaseURL(baseURL string) string {
	ctx := context.Background()
	existing, _ := a.repo.GetSetting(ctx, repository.SettingBaseURL)

	needsUpdate := existing == "" || strings.Contains(existing, "localhost")
	if !needsUpdate {
		return existing
	}
	if err := a.repo.SetSetting(ctx, repository.SettingBaseURL, baseURL); err != nil {
		a.log.Warn("Failed to set default base_url", "error", err)
	} else {
		a.log.Info("Default base URL set", "url", baseURL)
	}
	return baseURL
}

// Shutdown stops the HTTP server, drains the hub, flushes the last snapshot
// and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv := a.server
	a.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	a.cancelHub()
	select {
	case <-a.hub.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for hub: %w", ctx.Err()))
	}

	if err := a.persister.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing sessions: %w", err))
	}
	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	a.log.Info("Server stopped", "sessions", a.registry.Len())
	return stderrors.Join(errs...)
}

// Close shuts down with a default timeout
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Shutdown(ctx)
}

// networkInterface wraps net.Interface for testing
type networkInterface interface {
	Flags() net.Flags
	Addrs() ([]net.Addr, error)
}

// realInterface wraps a real net.Interface
type realInterface struct {
	iface net.Interface
}

func (r realInterface) Flags() net.Flags {
	return r.iface.Flags
}

func (r realInterface) Addrs() ([]net.Addr, error) {
	return r.iface.Addrs()
}

// networkProvider is an interface for getting network interfaces (for testing)
type networkProvider interface {
	Interfaces() ([]networkInterface, error)
}

type realNetworkProvider struct{}

func (realNetworkProvider) Interfaces() ([]networkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	result := make([]networkInterface, len(ifaces))
	for i, iface := range ifaces {
		result[i] = realInterface{iface: iface}
	}
	return result, nil
}

// getPreferredIP returns the best IPv4 address for LAN access, preferring
// private ranges and falling back to localhost.
func getPreferredIP(provider networkProvider) string {
	ifaces, err := provider.Interfaces()
	if err != nil {
		return "localhost"
	}

	var candidates []net.IP
	for _, iface := range ifaces {
		flags := iface.Flags()
		if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			candidates = append(candidates, ip)
		}
	}

	for _, ip := range candidates {
		if ip.IsPrivate() {
			return ip.String()
		}
	}
	if len(candidates) > 0 {
		return candidates[0].String()
	}
	return "localhost"
}
