package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/config"
	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:       "8080",
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
			ConnectionsPerMinute: 5,
			MessagesPerMinute:    60,
			ReapInterval:         30 * time.Second,
			EntryTTL:             2 * time.Minute,
		},
		Backup: config.BackupConfig{Dir: "./data/backups", InitialDelay: time.Second, Interval: time.Hour, Retain: 5},
	}
}

func newTestBroker(t *testing.T) *Broker {
	return newTestBrokerWithConfig(t, testConfig())
}

func newTestBrokerWithConfig(t *testing.T, cfg *config.Config) *Broker {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	c := cache.New(45*time.Second, 60*time.Second, 300*time.Second)
	return New(cfg, repo, c, nil, nil)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	closeCode int
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func loginRaw(t *testing.T, handle string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"type": "login", "handle": handle})
	if err != nil {
		t.Fatalf("marshal login frame: %v", err)
	}
	return b
}

func TestAdmitGuestIssuesResumeToken(t *testing.T) {
	b := newTestBroker(t)
	sender := &fakeSender{}

	s, err := b.Admit(context.Background(), "127.0.0.1", sender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if s.Handle != "alice" || s.IdentityID != 0 {
		t.Fatalf("expected a guest session for alice, got %+v", s)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("expected the resume token frame to be sent, got %d sends", sender.sentCount())
	}
	if s.ResumeToken == "" {
		t.Errorf("expected a non-empty resume token")
	}

	live := b.Sessions().ByHandle("alice")
	if len(live) != 1 {
		t.Fatalf("expected alice to have exactly one live session, got %d", len(live))
	}
}

func TestAdmitRejectsNonLoginFirstFrame(t *testing.T) {
	b := newTestBroker(t)
	sender := &fakeSender{}

	raw, _ := json.Marshal(map[string]string{"type": "statusUpdate"})
	if _, err := b.Admit(context.Background(), "127.0.0.1", sender, raw); err == nil {
		t.Errorf("expected an error when the first frame is not a login frame")
	}
}

func TestAdmitEnforcesConnectionRateLimit(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sender := &fakeSender{}
		if _, err := b.Admit(ctx, "10.0.0.1", sender, loginRaw(t, "user")); err != nil {
			t.Fatalf("Admit attempt %d: %v", i, err)
		}
	}

	sender := &fakeSender{}
	_, err := b.Admit(ctx, "10.0.0.1", sender, loginRaw(t, "user"))
	if err != ErrConnectionRateLimited {
		t.Errorf("expected the 6th connection attempt from the same address to be rate limited, got %v", err)
	}
}

func TestAdmitResumedSkipsOnlineFanoutAndIsSilent(t *testing.T) {
	cfg := testConfig()
	cfg.FanoutMode = config.FanoutDelta
	b := newTestBrokerWithConfig(t, cfg)
	ctx := context.Background()

	first := &fakeSender{}
	s, err := b.Admit(ctx, "127.0.0.1", first, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("initial Admit: %v", err)
	}
	token := s.ResumeToken

	deltas := make(chan cache.Delta, 8)
	b.cache.Bus().Subscribe("presence:alice", deltas)

	b.Disconnect(ctx, s.SessionID)

	second := &fakeSender{}
	raw, _ := json.Marshal(map[string]string{"type": "login", "handle": "alice", "resumeToken": token})
	resumed, err := b.Admit(ctx, "127.0.0.1", second, raw)
	if err != nil {
		t.Fatalf("resumed Admit: %v", err)
	}
	if resumed.Handle != "alice" {
		t.Fatalf("expected the resumed session to belong to alice, got %+v", resumed)
	}
	if resumed.SessionID == s.SessionID {
		t.Errorf("expected a fresh session id on resume")
	}
	select {
	case d := <-deltas:
		t.Errorf("expected the disconnect and resume to publish no presence delta for alice, got %+v", d)
	default:
	}
}

func TestResumeTokenIsOneTimeAtBrokerLevel(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first := &fakeSender{}
	s, err := b.Admit(ctx, "127.0.0.1", first, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("initial Admit: %v", err)
	}
	token := s.ResumeToken
	b.Disconnect(ctx, s.SessionID)

	raw, _ := json.Marshal(map[string]string{"type": "login", "handle": "alice", "resumeToken": token})

	second := &fakeSender{}
	if _, err := b.Admit(ctx, "127.0.0.2", second, raw); err != nil {
		t.Fatalf("first resume attempt: %v", err)
	}

	// Reusing the same (now consumed) resume token must fall through to
	// a fresh admission rather than resuming again.
	third := &fakeSender{}
	s2, err := b.Admit(ctx, "127.0.0.3", third, raw)
	if err != nil {
		t.Fatalf("second resume attempt: %v", err)
	}
	if s2.Handle != "alice" {
		t.Errorf("expected a fallback fresh admission for alice, got %+v", s2)
	}
}

func TestHandleFrameHeartbeatMarksAlive(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	sender := &fakeSender{}

	s, err := b.Admit(ctx, "127.0.0.1", sender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	got, _ := b.Sessions().Get(s.SessionID)
	got.IsAlive = false

	raw, _ := json.Marshal(map[string]any{"t": "hb", "ts": 123})
	b.HandleFrame(ctx, s.SessionID, raw)

	got, _ = b.Sessions().Get(s.SessionID)
	if !got.IsAlive {
		t.Errorf("expected the heartbeat frame to mark the session alive")
	}
}

func TestHandleFrameMessageRateLimitBoundary(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	sender := &fakeSender{}

	s, err := b.Admit(ctx, "127.0.0.1", sender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{"type": "updatePreferences", "preferences": map[string]any{
		"visibility": "everyone", "shareProject": true, "shareLanguage": true, "shareActivity": true,
	}})

	for i := 0; i < 60; i++ {
		b.HandleFrame(ctx, s.SessionID, raw)
	}
	sentBefore := sender.sentCount()

	b.HandleFrame(ctx, s.SessionID, raw)
	if sender.sentCount() != sentBefore+1 {
		t.Fatalf("expected exactly one more reply (the rate-limit error) for the 61st message")
	}
}

func TestHandleFrameUnknownSessionIsNoOp(t *testing.T) {
	b := newTestBroker(t)
	raw, _ := json.Marshal(map[string]any{"t": "hb"})
	b.HandleFrame(context.Background(), "nonexistent", raw) // must not panic
}

func TestDisconnectDuringGraceWindowKeepsHandleVisibleToOtherViewers(t *testing.T) {
	cfg := testConfig()
	cfg.TTL.ResumeToken = time.Hour // long enough the test's own broadcast can't outrun it
	b := newTestBrokerWithConfig(t, cfg)
	ctx := context.Background()

	aliceSender := &fakeSender{}
	alice, err := b.Admit(ctx, "127.0.0.1", aliceSender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit alice: %v", err)
	}
	bobSender := &fakeSender{}
	bob, err := b.Admit(ctx, "127.0.0.2", bobSender, loginRaw(t, "bob"))
	if err != nil {
		t.Fatalf("Admit bob: %v", err)
	}

	b.Disconnect(ctx, alice.SessionID)

	// Simulate a broadcast triggered by an unrelated event during alice's
	// resume-token grace period (e.g. bob's own status update).
	users, err := b.FanoutEngine().SyncFor(ctx, bob)
	if err != nil {
		t.Fatalf("SyncFor: %v", err)
	}
	for _, u := range users {
		if u.Handle == "alice" {
			if u.Status != domain.StatusOnline {
				t.Errorf("expected alice to still read as online to bob during the grace window, got %+v", u)
			}
			return
		}
	}
	t.Errorf("expected alice to still appear to bob during the grace window, got %+v", users)
}

func TestHeartbeatTimeoutSkipsGraceWindow(t *testing.T) {
	cfg := testConfig()
	cfg.TTL.ResumeToken = time.Hour
	b := newTestBrokerWithConfig(t, cfg)
	ctx := context.Background()

	aliceSender := &fakeSender{}
	alice, err := b.Admit(ctx, "127.0.0.1", aliceSender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit alice: %v", err)
	}
	bobSender := &fakeSender{}
	bob, err := b.Admit(ctx, "127.0.0.2", bobSender, loginRaw(t, "bob"))
	if err != nil {
		t.Fatalf("Admit bob: %v", err)
	}

	// session.Manager.Tick removes a reaped session from the table before
	// it calls onDead.
	b.Sessions().Remove(alice.SessionID)
	b.onDead(alice)

	// A heartbeat-reaped session must not be suppressed — alice should
	// read as offline to bob immediately, not held online through the
	// resume grace window.
	users, err := b.FanoutEngine().SyncFor(ctx, bob)
	if err != nil {
		t.Fatalf("SyncFor: %v", err)
	}
	for _, u := range users {
		if u.Handle == "alice" && u.Status == domain.StatusOnline {
			t.Errorf("expected a heartbeat-reaped session to not be held online by grace suppression, got %+v", u)
		}
	}
}

func TestDisconnectRemovesSessionAndUpdatesLastSeen(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	sender := &fakeSender{}

	s, err := b.Admit(ctx, "127.0.0.1", sender, loginRaw(t, "alice"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	b.Disconnect(ctx, s.SessionID)

	if _, ok := b.Sessions().Get(s.SessionID); ok {
		t.Errorf("expected the session to be removed after Disconnect")
	}
	if len(b.Sessions().ByHandle("alice")) != 0 {
		t.Errorf("expected alice to have no live sessions after disconnect")
	}
}
