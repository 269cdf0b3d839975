package gateway

import "github.com/abrezinsky/planningpoker/internal/session"

// Metrics receives hub counters
type Metrics interface {
	SetConnections(n int)
	SetSessions(n int)
	RecordCommand(cmdType string, ok bool)
	RecordEvent(evtType string, recipients int)
	RecordStaleEviction()
	RecordExpired(n int)
}

// NoOpMetrics discards everything
type NoOpMetrics struct{}

func (NoOpMetrics) SetConnections(int)         {}
func (NoOpMetrics) SetSessions(int)            {}
func (NoOpMetrics) RecordCommand(string, bool) {}
func (NoOpMetrics) RecordEvent(string, int)    {}
func (NoOpMetrics) RecordStaleEviction()       {}
func (NoOpMetrics) RecordExpired(int)          {}

// Persister accepts registry snapshots for durable storage
type Persister interface {
	Submit(snaps []session.Snapshot)
}

type noopPersister struct{}

func (noopPersister) Submit([]session.Snapshot) {}
