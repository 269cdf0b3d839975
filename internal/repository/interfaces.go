package repository

import "context"

// SessionRepository defines durable session snapshot operations
type SessionRepository interface {
	LoadSessions(ctx context.Context) ([]SessionRecord, error)
	SaveSessions(ctx context.Context, records []SessionRecord) error
	CountSessions(ctx context.Context) (int, error)
}

// SettingsRepository defines settings data operations
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// FullRepository combines all repository interfaces
type FullRepository interface {
	SessionRepository
	SettingsRepository
	Ping(ctx context.Context) error
	Close() error
}

// Ensure Repository implements all interfaces
var _ FullRepository = (*Repository)(nil)

// SettingBaseURL is the public address used for share links
const SettingBaseURL = "base_url"
