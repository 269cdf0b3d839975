package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/abrezinsky/planningpoker/internal/errors"
)

// newTestRepo creates a new in-memory repository for testing.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// ==================== Session Tests ====================

func TestLoadSessions_Empty(t *testing.T) {
	repo := newTestRepo(t)

	records, err := repo.LoadSessions(context.Background())
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestSaveSessions_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	older := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	err := repo.SaveSessions(ctx, []SessionRecord{
		{ID: "aaaa1111", Data: []byte(`{"id":"aaaa1111"}`), LastActivity: older},
		{ID: "bbbb2222", Data: []byte(`{"id":"bbbb2222"}`), LastActivity: newer},
	})
	if err != nil {
		t.Fatalf("SaveSessions failed: %v", err)
	}

	records, err := repo.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "bbbb2222" {
		t.Errorf("expected most recent first, got %s", records[0].ID)
	}
	if string(records[1].Data) != `{"id":"aaaa1111"}` {
		t.Errorf("unexpected data: %s", records[1].Data)
	}
	if !records[1].LastActivity.Equal(older) {
		t.Errorf("expected last activity %v, got %v", older, records[1].LastActivity)
	}
}

func TestSaveSessions_ReplacesPreviousSet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveSessions(ctx, []SessionRecord{
		{ID: "aaaa1111", Data: []byte(`{}`)},
		{ID: "bbbb2222", Data: []byte(`{}`)},
	}); err != nil {
		t.Fatalf("first SaveSessions failed: %v", err)
	}
	if err := repo.SaveSessions(ctx, []SessionRecord{{ID: "cccc3333", Data: []byte(`{}`)}}); err != nil {
		t.Fatalf("second SaveSessions failed: %v", err)
	}

	n, err := repo.CountSessions(ctx)
	if err != nil {
		t.Fatalf("CountSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session after replace, got %d", n)
	}

	if err := repo.SaveSessions(ctx, nil); err != nil {
		t.Fatalf("empty SaveSessions failed: %v", err)
	}
	if n, _ := repo.CountSessions(ctx); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

func TestSaveSessions_RejectsMissingIDAndRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_ = repo.SaveSessions(ctx, []SessionRecord{{ID: "keep0000", Data: []byte(`{}`)}})

	err := repo.SaveSessions(ctx, []SessionRecord{
		{ID: "new00000", Data: []byte(`{}`)},
		{ID: "", Data: []byte(`{}`)},
	})
	if errors.KindOf(err) != errors.ErrInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}

	records, _ := repo.LoadSessions(ctx)
	if len(records) != 1 || records[0].ID != "keep0000" {
		t.Errorf("expected previous set to survive failed save, got %+v", records)
	}
}

func TestNew_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poker.db")
	ctx := context.Background()

	repo, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := repo.SaveSessions(ctx, []SessionRecord{{ID: "aaaa1111", Data: []byte(`{}`)}}); err != nil {
		t.Fatalf("SaveSessions failed: %v", err)
	}
	repo.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if n, _ := reopened.CountSessions(ctx); n != 1 {
		t.Errorf("expected session to survive reopen, got %d", n)
	}
}

func TestNew_BadPath(t *testing.T) {
	if _, err := New("/nonexistent/dir/poker.db"); err == nil {
		t.Error("expected error for invalid db path")
	}
}

// ==================== Settings Tests ====================

func TestSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetSetting(ctx, "base_url"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.SetSetting(ctx, "base_url", "http://10.0.0.5:3001"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := repo.SetSetting(ctx, "base_url", "http://10.0.0.6:3001"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}

	value, err := repo.GetSetting(ctx, "base_url")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "http://10.0.0.6:3001" {
		t.Errorf("expected updated value, got %q", value)
	}
}

func TestPing(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
