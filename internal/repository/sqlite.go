package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/abrezinsky/planningpoker/internal/errors"
)

// SessionRecord is one serialized session as stored on disk
type SessionRecord struct {
	ID           string
	Data         []byte
	LastActivity time.Time
}

// Repository provides data access methods
type Repository struct {
	db *sql.DB
}

// New creates a new Repository
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single connection; ":memory:" also needs it
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate runs database migrations
func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			last_activity INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}

// ==================== Session Methods ====================

// LoadSessions returns every stored session, most recently active first
func (r *Repository) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, data, last_activity FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, errors.Internal(err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec    SessionRecord
			data   string
			millis int64
		)
		if err := rows.Scan(&rec.ID, &data, &millis); err != nil {
			return nil, errors.Internal(err)
		}
		rec.Data = []byte(data)
		rec.LastActivity = time.UnixMilli(millis).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(err)
	}
	return records, nil
}

// SaveSessions replaces the stored set of sessions with records in a single
// transaction
func (r *Repository) SaveSessions(ctx context.Context, records []SessionRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return errors.Internal(err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions (id, data, last_activity, saved_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Internal(err)
	}
	defer stmt.Close()

	savedAt := time.Now().UnixMilli()
	for _, rec := range records {
		if rec.ID == "" {
			return errors.InvalidInput("session record has no id")
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Data), rec.LastActivity.UnixMilli(), savedAt); err != nil {
			return errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("failed to save session %s", rec.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Internal(err)
	}
	return nil
}

// CountSessions returns the number of stored sessions
func (r *Repository) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, errors.Internal(err)
	}
	return n, nil
}

// ==================== Settings Methods ====================

// GetSetting retrieves a setting value, or ErrNotFound
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Internal(err)
	}
	return value, nil
}

// SetSetting stores a setting value
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.Internal(err)
	}
	return nil
}
