package registry

import (
	"context"
	"sync"
	"time"

	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/repository"
	"github.com/abrezinsky/planningpoker/internal/session"
)

// SaveRecorder observes snapshot writes
type SaveRecorder interface {
	RecordSave(sessions int, duration time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordSave(int, time.Duration, error) {}

// Persister writes registry snapshots to the store off the caller's
// goroutine. Only the latest submitted snapshot is kept; older pending ones
// are replaced.
type Persister struct {
	store   repository.SessionRepository
	log     logger.Logger
	metrics SaveRecorder
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending chan []repository.SessionRecord
	done    chan struct{}
}

// NewPersister creates a persister writing to store
func NewPersister(store repository.SessionRepository, log logger.Logger, metrics SaveRecorder) *Persister {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Persister{
		store:   store,
		log:     log,
		metrics: metrics,
		timeout: 10 * time.Second,
		pending: make(chan []repository.SessionRecord, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the write loop until Close
func (p *Persister) Start() {
	go p.run()
}

func (p *Persister) run() {
	defer close(p.done)
	for records := range p.pending {
		p.save(records)
	}
}

func (p *Persister) save(records []repository.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.store.SaveSessions(ctx, records)
	p.metrics.RecordSave(len(records), time.Since(start), err)
	if err != nil {
		p.log.Error("Failed to save sessions", "sessions", len(records), "error", err)
		return
	}
	p.log.Debug("Sessions saved", "sessions", len(records))
}

// Submit queues snaps for writing, replacing any snapshot not yet written.
// It never blocks on the store. Submits after Close are dropped.
func (p *Persister) Submit(snaps []session.Snapshot) {
	records, failed := EncodeSnapshots(snaps)
	if failed > 0 {
		p.log.Warn("Failed to encode session snapshots", "failed", failed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.pending <- records:
	default:
		select {
		case <-p.pending:
		default:
		}
		p.pending <- records
	}
}

// Close flushes the pending snapshot and stops the write loop. It returns
// ctx's error if the flush does not finish in time.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.pending)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load reads all stored sessions into reg, returning how many were restored
func Load(ctx context.Context, store repository.SessionRepository, reg *Registry) (int, error) {
	records, err := store.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}
	return reg.RestoreAll(records), nil
}
