package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/presence-broker/internal/broker"
	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/config"
	"github.com/ashureev/presence-broker/internal/store"
	"github.com/coder/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:       "0",
		DBPath:     ":memory:",
		FanoutMode: config.FanoutSnapshot,
		TTL: config.TTLConfig{
			ResumeToken:  60 * time.Second,
			Presence:     45 * time.Second,
			ContactCache: 300 * time.Second,
		},
		Timing: config.TimingConfig{
			HeartbeatInterval: 30 * time.Second,
			DebounceWindow:    2 * time.Second,
			LastSeenFlush:     30 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			ConnectionsPerMinute: 100,
			MessagesPerMinute:    100,
			ReapInterval:         30 * time.Second,
			EntryTTL:             2 * time.Minute,
		},
		Backup: config.BackupConfig{Dir: "./data/backups", InitialDelay: time.Hour, Interval: time.Hour, Retain: 5},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	c := cache.New(45*time.Second, 60*time.Second, 300*time.Second)
	b := broker.New(testConfig(), repo, c, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	h := NewHandler(b, "*", false, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestServeHTTPAdmitsAndSendsSync(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	login, _ := json.Marshal(map[string]string{"type": "login", "handle": "alice"})
	if err := conn.Write(ctx, websocket.MessageText, login); err != nil {
		t.Fatalf("write login frame: %v", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal first frame: %v", err)
	}
	if frame["t"] != "token" {
		t.Errorf("expected the resume-token frame first, got %v", frame)
	}

	_, raw, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal second frame: %v", err)
	}
	if frame["t"] != "sync" {
		t.Errorf("expected a sync frame second, got %v", frame)
	}
}

func TestServeHTTPRejectsNonLoginFirstFrame(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	bad, _ := json.Marshal(map[string]string{"type": "statusUpdate"})
	if err := conn.Write(ctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("write bad first frame: %v", err)
	}

	// The gateway replies with an error frame and then closes; either a
	// successful read of the error frame or a close error is acceptable,
	// but the connection must not remain open indefinitely.
	conn.SetReadLimit(maxFrameBytes)
	_, _, err = conn.Read(ctx)
	if err == nil {
		// Got the error-format frame; a subsequent read should then see
		// the close.
		_, _, err = conn.Read(ctx)
	}
	if err == nil {
		t.Errorf("expected the connection to be closed after a non-login first frame")
	}
}

func TestServeHTTPEnforcesFrameSizeLimit(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	login, _ := json.Marshal(map[string]string{"type": "login", "handle": "bob"})
	if err := conn.Write(ctx, websocket.MessageText, login); err != nil {
		t.Fatalf("write login frame: %v", err)
	}
	// Drain the token and sync frames.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read token frame: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read sync frame: %v", err)
	}

	oversize := make([]byte, maxFrameBytes+1)
	for i := range oversize {
		oversize[i] = 'a'
	}
	// The server enforces its own 16 KiB read limit; a frame larger than
	// that must cause the server to close the connection, surfaced here
	// as a write or subsequent read error.
	writeErr := conn.Write(ctx, websocket.MessageText, oversize)
	if writeErr == nil {
		if _, _, err := conn.Read(ctx); err == nil {
			t.Errorf("expected an oversize frame to close the connection")
		}
	}
}

func TestCheckOriginAllowsWildcard(t *testing.T) {
	h := &Handler{allowedOrigin: "*", logger: slog.Default()}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if !h.checkOrigin(r) {
		t.Errorf("expected a wildcard allowed origin to accept any Origin header")
	}
}

func TestCheckOriginRejectsMismatch(t *testing.T) {
	h := &Handler{allowedOrigin: "https://app.example", logger: slog.Default()}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if h.checkOrigin(r) {
		t.Errorf("expected a mismatched Origin header to be rejected")
	}
}

func TestCheckOriginAllowsMatchingOrigin(t *testing.T) {
	h := &Handler{allowedOrigin: "https://app.example", logger: slog.Default()}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example")
	if !h.checkOrigin(r) {
		t.Errorf("expected a matching Origin header to be accepted")
	}
}

func TestCheckOriginDevModeAllowsAnything(t *testing.T) {
	h := &Handler{allowedOrigin: "https://app.example", isDev: true, logger: slog.Default()}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	if !h.checkOrigin(r) {
		t.Errorf("expected dev mode to bypass origin checking")
	}
}
