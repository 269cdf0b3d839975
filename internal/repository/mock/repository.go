package mock

import (
	"context"
	"sync"

	"github.com/abrezinsky/planningpoker/internal/repository"
)

// Repository wraps a real repository and allows injecting errors for testing.
//
// Usage:
//
//	realRepo := testutil.NewTestRepository(t)
//	mockRepo := mock.NewRepository(realRepo)
//	mockRepo.SaveSessionsError = errors.New("disk full")
//	// the persister now logs the failure and keeps running
type Repository struct {
	repository.FullRepository

	mu        sync.Mutex
	saveCalls int
	lastSaved []repository.SessionRecord

	LoadSessionsError  error
	SaveSessionsError  error
	CountSessionsError error
	GetSettingError    error
	SetSettingError    error
}

// NewRepository creates a mock repository wrapping a real one
func NewRepository(real repository.FullRepository) *Repository {
	return &Repository{FullRepository: real}
}

func (m *Repository) LoadSessions(ctx context.Context) ([]repository.SessionRecord, error) {
	if m.LoadSessionsError != nil {
		return nil, m.LoadSessionsError
	}
	return m.FullRepository.LoadSessions(ctx)
}

func (m *Repository) SaveSessions(ctx context.Context, records []repository.SessionRecord) error {
	m.mu.Lock()
	m.saveCalls++
	m.lastSaved = append([]repository.SessionRecord(nil), records...)
	m.mu.Unlock()

	if m.SaveSessionsError != nil {
		return m.SaveSessionsError
	}
	return m.FullRepository.SaveSessions(ctx, records)
}

func (m *Repository) CountSessions(ctx context.Context) (int, error) {
	if m.CountSessionsError != nil {
		return 0, m.CountSessionsError
	}
	return m.FullRepository.CountSessions(ctx)
}

func (m *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	if m.GetSettingError != nil {
		return "", m.GetSettingError
	}
	return m.FullRepository.GetSetting(ctx, key)
}

func (m *Repository) SetSetting(ctx context.Context, key, value string) error {
	if m.SetSettingError != nil {
		return m.SetSettingError
	}
	return m.FullRepository.SetSetting(ctx, key, value)
}

// SaveCalls returns how many times SaveSessions was called
func (m *Repository) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// LastSaved returns the records passed to the most recent SaveSessions call
func (m *Repository) LastSaved() []repository.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.SessionRecord(nil), m.lastSaved...)
}
