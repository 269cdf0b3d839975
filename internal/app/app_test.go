package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abrezinsky/planningpoker/internal/config"
	"github.com/abrezinsky/planningpoker/internal/gateway"
	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/repository"
	"github.com/abrezinsky/planningpoker/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	gw := gateway.DefaultConfig()
	return &config.Config{
		Port:                3001,
		DBPath:              filepath.Join(t.TempDir(), "poker.db"),
		LogLevel:            "info",
		LogFormat:           "text",
		StaleAfter:          gw.StaleAfter,
		StaleSweepInterval:  gw.StaleSweepInterval,
		SessionTTL:          gw.SessionTTL,
		ExpirySweepInterval: gw.ExpirySweepInterval,
		PersistInterval:     gw.PersistInterval,
		StatsInterval:       gw.StatsInterval,
		PingInterval:        gw.PingInterval,
		ReadTimeout:         gw.ReadTimeout,
		WriteTimeout:        gw.WriteTimeout,
		MaxMessageSize:      gw.MaxMessageSize,
	}
}

var testStatic = fstest.MapFS{
	"index.html": &fstest.MapFile{Data: []byte(`<html><body>Planning Poker</body></html>`)},
}

func createTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(cfg, logger.Nop(), testStatic, "test")
	if err != nil {
		t.Fatalf("failed to create test app: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

// serve runs the app on a random local port and returns its address
func serve(t *testing.T, app *App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- app.Serve(ln) }()
	t.Cleanup(func() {
		app.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	testutil.Eventually(t, 2*time.Second, func() bool { return app.BaseURL() != "" }, "server started")
	return ln.Addr().String()
}

func TestNew_InitializesApp(t *testing.T) {
	app := createTestApp(t, testConfig(t))

	if app.handlers == nil || app.hub == nil || app.persister == nil || app.repo == nil {
		t.Fatalf("expected all components to be initialized: %+v", app)
	}
	if app.Router() == nil {
		t.Error("expected router")
	}
	st, err := app.Stats(context.Background())
	if err != nil || st.Sessions != 0 {
		t.Errorf("expected empty hub, got %+v %v", st, err)
	}
}

func TestNew_FailsWithBadDBPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = "/nonexistent/path/db.sqlite"
	if _, err := New(cfg, logger.Nop(), testStatic, "test"); err == nil {
		t.Error("expected error for invalid db path")
	}
}

func TestNew_FailsWithBadDecksFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.DecksFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg, logger.Nop(), testStatic, "test"); err == nil {
		t.Error("expected error for missing decks file")
	}
}

func TestNew_LoadsDecksFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.DecksFile = filepath.Join(t.TempDir(), "decks.yaml")
	yaml := "decks:\n  hours:\n    name: Hours\n    cards: [\"1\", \"2\", \"4\", \"8\"]\n"
	if err := os.WriteFile(cfg.DecksFile, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	app := createTestApp(t, cfg)
	if _, ok := app.registry.Catalog().Get("hours"); !ok {
		t.Error("expected extra deck from file")
	}
}

func TestApp_ServesAndPersistsOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg, logger.Nop(), testStatic, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- app.Serve(ln) }()
	testutil.Eventually(t, 2*time.Second, func() bool { return app.BaseURL() != "" }, "server started")
	addr := ln.Addr().String()

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var evt models.Envelope
	if err := conn.ReadJSON(&evt); err != nil || evt.Type != models.EvtConnected {
		t.Fatalf("expected connected, got %+v %v", evt, err)
	}
	conn.WriteJSON(models.WSMessage{Type: models.CmdCreateSession, Payload: models.CreateSessionPayload{PlayerName: "Alice"}})
	if err := conn.ReadJSON(&evt); err != nil || evt.Type != models.EvtSessionCreated {
		t.Fatalf("expected session-created, got %+v %v", evt, err)
	}
	var created models.SessionCreatedPayload
	json.Unmarshal(evt.Payload, &created)

	if err := app.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	reopened := createTestApp(t, cfg)
	if _, ok := reopened.registry.Get(created.SessionID); !ok {
		t.Errorf("expected session %s to survive restart", created.SessionID)
	}
	if err := app.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestApp_ServeAfterCloseRefuses(t *testing.T) {
	app := createTestApp(t, testConfig(t))
	app.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := app.Serve(ln); err != http.ErrServerClosed {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestConfigureBaseURL_ConfiguredWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.BaseURL = "https://poker.example"
	app := createTestApp(t, cfg)
	ctx := context.Background()
	app.repo.SetSetting(ctx, repository.SettingBaseURL, "http://192.168.1.50:3001")

	if got := app.configureBaseURL(3001); got != "https://poker.example" {
		t.Errorf("expected configured base url, got %q", got)
	}
	val, _ := app.repo.GetSetting(ctx, repository.SettingBaseURL)
	if val != "https://poker.example" {
		t.Errorf("expected stored base url to be replaced, got %q", val)
	}
}

func TestSetDefaultBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		want     string
	}{
		{"sets when empty", "", "http://192.168.1.100:8080"},
		{"replaces localhost", "http://localhost:8080", "http://192.168.1.100:8080"},
		{"keeps valid url", "http://192.168.1.50:8080", "http://192.168.1.50:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := createTestApp(t, testConfig(t))
			ctx := context.Background()
			if tt.existing != "" {
				if err := app.repo.SetSetting(ctx, repository.SettingBaseURL, tt.existing); err != nil {
					t.Fatalf("failed to set initial setting: %v", err)
				}
			}

			if got := app.setDefaultBaseURL("http://192.168.1.100:8080"); got != tt.want {
				t.Errorf("returned %q, want %q", got, tt.want)
			}
			val, err := app.repo.GetSetting(ctx, repository.SettingBaseURL)
			if err != nil {
				t.Fatalf("failed to get setting: %v", err)
			}
			if val != tt.want {
				t.Errorf("stored %q, want %q", val, tt.want)
			}
		})
	}
}

func TestServe_SetsDetectedBaseURL(t *testing.T) {
	app := createTestApp(t, testConfig(t))
	addr := serve(t, app)

	_, port, _ := net.SplitHostPort(addr)
	if got := app.BaseURL(); got == "" || got[len(got)-len(port):] != port {
		t.Errorf("expected base url on port %s, got %q", port, got)
	}
}

// mockInterface implements networkInterface for testing
type mockInterface struct {
	flags net.Flags
	addrs []net.Addr
	err   error
}

func (m mockInterface) Flags() net.Flags {
	return m.flags
}

func (m mockInterface) Addrs() ([]net.Addr, error) {
	return m.addrs, m.err
}

// mockNetworkProvider implements networkProvider for testing
type mockNetworkProvider struct {
	interfaces []networkInterface
	err        error
}

func (m mockNetworkProvider) Interfaces() ([]networkInterface, error) {
	return m.interfaces, m.err
}

func ipNet(s string) *net.IPNet {
	return &net.IPNet{IP: net.ParseIP(s), Mask: net.CIDRMask(24, 32)}
}

func TestGetPreferredIP(t *testing.T) {
	tests := []struct {
		name     string
		provider mockNetworkProvider
		want     string
	}{
		{
			name:     "network error",
			provider: mockNetworkProvider{err: net.ErrClosed},
			want:     "localhost",
		},
		{
			name:     "addrs error",
			provider: mockNetworkProvider{interfaces: []networkInterface{mockInterface{flags: net.FlagUp, err: net.ErrClosed}}},
			want:     "localhost",
		},
		{
			name: "ip addr type",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: net.FlagUp, addrs: []net.Addr{&net.IPAddr{IP: net.ParseIP("192.168.1.100")}}},
			}},
			want: "192.168.1.100",
		},
		{
			name: "public fallback",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: net.FlagUp, addrs: []net.Addr{ipNet("8.8.8.8")}},
			}},
			want: "8.8.8.8",
		},
		{
			name: "private preferred over public",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: net.FlagUp, addrs: []net.Addr{ipNet("8.8.8.8"), ipNet("172.20.0.4")}},
			}},
			want: "172.20.0.4",
		},
		{
			name: "skips loopback addresses",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: net.FlagUp, addrs: []net.Addr{ipNet("127.0.0.1"), ipNet("10.1.2.3")}},
			}},
			want: "10.1.2.3",
		},
		{
			name: "skips down and loopback interfaces",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: 0, addrs: []net.Addr{ipNet("192.168.0.9")}},
				mockInterface{flags: net.FlagUp | net.FlagLoopback, addrs: []net.Addr{ipNet("192.168.0.10")}},
			}},
			want: "localhost",
		},
		{
			name: "ignores ipv6",
			provider: mockNetworkProvider{interfaces: []networkInterface{
				mockInterface{flags: net.FlagUp, addrs: []net.Addr{&net.IPNet{IP: net.ParseIP("fe80::1")}}},
			}},
			want: "localhost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getPreferredIP(tt.provider); got != tt.want {
				t.Errorf("getPreferredIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetPreferredIP_RealProvider(t *testing.T) {
	ip := getPreferredIP(realNetworkProvider{})
	if ip == "localhost" {
		return
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		t.Errorf("expected IPv4 address or localhost, got: %s", ip)
	}
}
