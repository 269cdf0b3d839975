package testutil

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/repository"
)

// Epoch is the start time of fake clocks handed out by NewClock
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewTestRepository creates a new in-memory repository for testing.
// Each call creates a fresh database with all migrations applied.
func NewTestRepository(t *testing.T) *repository.Repository {
	t.Helper()

	repo, err := repository.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
	})

	return repo
}

// NewClock returns a fake clock set to Epoch
func NewClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
