// Package broker wires the Session Manager, Visibility Engine,
// Aggregator, Fan-out Engine, Chat Pipe, and Invite Pipe into the
// single orchestrator the transport layer talks to. internal/wsgateway
// owns the HTTP upgrade and the read/write loops; everything about what
// a frame means lives here.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/chat"
	"github.com/ashureev/presence-broker/internal/config"
	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/fanout"
	"github.com/ashureev/presence-broker/internal/identity"
	"github.com/ashureev/presence-broker/internal/invite"
	"github.com/ashureev/presence-broker/internal/ratelimit"
	"github.com/ashureev/presence-broker/internal/session"
	"github.com/ashureev/presence-broker/internal/store"
	"github.com/google/uuid"
)

// Sender is the transport-side handle the broker uses to push outbound
// frames to one socket. internal/wsgateway implements it.
type Sender interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Broker is the single entry point described in §2's control flow: a
// connection arrives, the Rate Limiter gates it, the Session Manager
// parses frames, and they are dispatched to whichever component owns
// that frame kind.
type Broker struct {
	cfg      *config.Config
	store    store.Repository
	cache    *cache.Cache
	identity *identity.Resolver
	logger   *slog.Logger

	connLimiter *ratelimit.Limiter
	msgLimiter  *ratelimit.Limiter

	sessions *session.Manager
	fanout   *fanout.Engine
	chat     *chat.Pipe
	invite   *invite.Pipe

	mu         sync.RWMutex
	transports map[string]Sender

	lastSeenMu    sync.Mutex
	lastSeenDirty map[string]time.Time
}

// New constructs a Broker. It starts no goroutines: the background tasks
// (heartbeat tick, rate-limiter reap, last-seen flush) are started by
// Run and stop when Run's context is cancelled.
func New(cfg *config.Config, repo store.Repository, c *cache.Cache, resolver *identity.Resolver, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		cfg:           cfg,
		store:         repo,
		cache:         c,
		identity:      resolver,
		logger:        logger,
		connLimiter:   ratelimit.New(cfg.RateLimit.ConnectionsPerMinute, time.Minute, cfg.RateLimit.EntryTTL),
		msgLimiter:    ratelimit.New(cfg.RateLimit.MessagesPerMinute, time.Minute, cfg.RateLimit.EntryTTL),
		sessions:      session.NewManager(),
		transports:    make(map[string]Sender),
		lastSeenDirty: make(map[string]time.Time),
	}

	b.fanout = fanout.New(b.sessions, repo, c, cfg.FanoutMode, cfg.Timing.DebounceWindow, b.deliver, logger)
	b.chat = chat.New(repo, b.deliver)
	b.invite = invite.New(repo, c, b.deliver)

	return b
}

// Run starts the broker's background tasks. It blocks until ctx is
// cancelled.
func (b *Broker) Run(ctx context.Context) {
	b.sessions.StartHeartbeat(ctx, b.cfg.Timing.HeartbeatInterval, b.onPing, b.onDead)
	b.connLimiter.StartReaper(ctx, b.cfg.RateLimit.ReapInterval)
	b.msgLimiter.StartReaper(ctx, b.cfg.RateLimit.ReapInterval)
	b.startLastSeenFlush(ctx)
	<-ctx.Done()
}

// deliver hands frame to every live session currently registered for
// handle. It is the Deliverer callback passed to fanout, chat, and
// invite.
func (b *Broker) deliver(handle string, frame any) {
	for _, s := range b.sessions.ByHandle(handle) {
		b.mu.RLock()
		t, ok := b.transports[s.SessionID]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := t.Send(frame); err != nil {
			b.logger.Warn("broker: deliver failed", "handle", handle, "error", err)
		}
	}
}

// ErrConnectionRateLimited is returned by Admit when the peer address
// has exceeded the connection-attempt rate limit (§4.3).
var ErrConnectionRateLimited = fmt.Errorf("connection rate limit exceeded")

// Admit implements §4.1 admission. rawLogin must be the first frame
// read from the socket; Admit validates it is a login frame, resolves
// identity, persists the resulting user/relationship/preference state,
// registers the session, and sends the resume-token frame through
// sender. The returned session's SessionID is the key callers must use
// for subsequent HandleFrame/Disconnect calls.
func (b *Broker) Admit(ctx context.Context, remoteAddr string, sender Sender, rawLogin []byte) (*domain.Session, error) {
	if !b.connLimiter.Allow(remoteAddr, time.Now()) {
		return nil, ErrConnectionRateLimited
	}

	var env envelope
	if err := json.Unmarshal(rawLogin, &env); err != nil {
		return nil, fmt.Errorf("parse login frame: %w", err)
	}
	if env.kind() != kindLogin {
		return nil, fmt.Errorf("first frame must be login, got %q", env.kind())
	}
	var lf loginFrame
	if err := json.Unmarshal(rawLogin, &lf); err != nil {
		return nil, fmt.Errorf("parse login frame: %w", err)
	}
	if lf.Handle == "" {
		return nil, fmt.Errorf("login frame missing handle")
	}

	now := time.Now()

	if lf.ResumeToken != "" {
		if entry, ok := b.cache.ConsumeResumeToken(lf.ResumeToken); ok && entry.Handle == lf.Handle {
			return b.admitResumed(ctx, sender, lf, entry, now)
		}
		// Unknown/expired resume token: fall through to a normal
		// admission using whatever auth material was also supplied.
	}

	var ident *identity.Identity
	if lf.Token != "" {
		resolved, err := b.identity.Resolve(ctx, lf.Token)
		if err != nil {
			b.logger.Warn("broker: identity resolution failed, admitting as guest", "handle", lf.Handle, "error", err)
		} else {
			ident = resolved
		}
	}

	s, err := b.admitFresh(ctx, lf, ident, now)
	if err != nil {
		return nil, err
	}

	b.registerSession(s, sender)
	b.issueResumeToken(s, sender)

	b.fanout.PublishOnline(s, b.avatarFor(ctx, s))
	b.fanout.Schedule(ctx)

	return s, nil
}

func (b *Broker) admitFresh(ctx context.Context, lf loginFrame, ident *identity.Identity, now time.Time) (*domain.Session, error) {
	handle := lf.Handle
	var identityID int64
	var followers, following []int64
	avatar := ""

	if ident != nil {
		handle = ident.Login
		identityID = ident.ID
		followers = ident.Followers
		following = ident.Following
		avatar = ident.Avatar

		user := &domain.User{Handle: handle, IdentityID: identityID, Avatar: avatar, CreatedAt: now, LastSeenAt: now}
		if err := b.store.UpsertUser(ctx, user); err != nil {
			return nil, fmt.Errorf("upsert user: %w", err)
		}

		edges := make([]domain.RelationshipEdge, 0, len(followers)+len(following))
		for _, id := range followers {
			edges = append(edges, domain.RelationshipEdge{UserID: identityID, RelatedID: id, Kind: domain.RelationFollower})
		}
		for _, id := range following {
			edges = append(edges, domain.RelationshipEdge{UserID: identityID, RelatedID: id, Kind: domain.RelationFollowing})
		}
		if err := b.store.ReplaceRelationships(ctx, identityID, edges); err != nil {
			return nil, fmt.Errorf("replace relationships: %w", err)
		}
	} else {
		if existing, err := b.store.GetUser(ctx, handle); err == nil && existing != nil {
			avatar = existing.Avatar
		} else {
			user := &domain.User{Handle: handle, CreatedAt: now, LastSeenAt: now}
			if err := b.store.UpsertUser(ctx, user); err != nil {
				return nil, fmt.Errorf("upsert guest user: %w", err)
			}
		}
	}

	prefs, err := b.store.GetPreferences(ctx, handle)
	if err != nil || prefs == nil {
		d := domain.DefaultPreferences(handle)
		prefs = &d
	}
	if lf.VisibilityMode != "" {
		prefs.Visibility = domain.Visibility(lf.VisibilityMode)
	}
	if err := b.store.UpsertPreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}

	s := &domain.Session{
		SessionID:     uuid.NewString(),
		Handle:        handle,
		IdentityID:    identityID,
		Followers:     followers,
		Following:     following,
		Status:        domain.StatusOnline,
		Activity:      domain.ActivityIdle,
		Preferences:   *prefs,
		State:         domain.SessionLive,
		IsAlive:       true,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	return s, nil
}

func (b *Broker) admitResumed(ctx context.Context, sender Sender, lf loginFrame, entry cache.ResumeEntry, now time.Time) (*domain.Session, error) {
	prefs, err := b.store.GetPreferences(ctx, entry.Handle)
	if err != nil || prefs == nil {
		d := domain.DefaultPreferences(entry.Handle)
		prefs = &d
	}

	var followers, following []int64
	if entry.IdentityID != 0 {
		followers, _ = b.store.GetFollowerIDs(ctx, entry.IdentityID)
		following, _ = b.store.GetFollowingIDs(ctx, entry.IdentityID)
	}

	s := &domain.Session{
		SessionID:     uuid.NewString(),
		Handle:        entry.Handle,
		IdentityID:    entry.IdentityID,
		Followers:     followers,
		Following:     following,
		Status:        domain.StatusOnline,
		Activity:      domain.ActivityIdle,
		Preferences:   *prefs,
		State:         domain.SessionLive,
		IsAlive:       true,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}

	b.registerSession(s, sender)
	b.issueResumeToken(s, sender)
	b.fanout.ClearSuppress(s.Handle)
	// No PublishOnline/Schedule: §4.1 "the session is resumed silently:
	// no come-online event is emitted."
	return s, nil
}

func (b *Broker) registerSession(s *domain.Session, sender Sender) {
	b.sessions.Add(s)
	b.mu.Lock()
	b.transports[s.SessionID] = sender
	b.mu.Unlock()
}

func (b *Broker) issueResumeToken(s *domain.Session, sender Sender) {
	token := uuid.NewString()
	s.ResumeToken = token
	b.cache.PutResumeToken(token, cache.ResumeEntry{Handle: s.Handle, IdentityID: s.IdentityID})
	_ = sender.Send(tokenFrame{T: "token", Token: token})
}

func (b *Broker) avatarFor(ctx context.Context, s *domain.Session) string {
	user, err := b.store.GetUser(ctx, s.Handle)
	if err != nil || user == nil {
		return ""
	}
	return user.Avatar
}

// Disconnect implements §4.1 close handling: last_seen is flushed
// immediately, the session is removed, and a fan-out cycle is
// scheduled once any outstanding resume-token grace period elapses.
func (b *Broker) Disconnect(ctx context.Context, sessionID string) {
	s, ok := b.sessions.Remove(sessionID)
	b.mu.Lock()
	delete(b.transports, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.persistLastSeen(ctx, s.Handle, time.Now())
	b.onSessionGone(s, true)
}

func (b *Broker) onPing(s *domain.Session) {
	b.mu.RLock()
	t, ok := b.transports[s.SessionID]
	b.mu.RUnlock()
	if ok {
		_ = t.Send(hbFrame{T: "hb", Ts: time.Now().Unix()})
	}
}

func (b *Broker) onDead(s *domain.Session) {
	b.mu.Lock()
	t, ok := b.transports[s.SessionID]
	delete(b.transports, s.SessionID)
	b.mu.Unlock()
	if ok {
		_ = t.Close(1001, "heartbeat timeout")
	}

	b.persistLastSeen(context.Background(), s.Handle, time.Now())
	b.onSessionGone(s, false)
}

// onSessionGone handles a session's departure from the session table.
// On a graceful disconnect (hadResumeGrace true) the handle is
// suppressed — treated as still online by the Fan-out Engine's
// snapshot/offline-contact builders — for the resume-token TTL, so a
// broadcast triggered by an unrelated event during that window never
// reports the handle as offline, and the offline transition itself is
// deferred the same amount. A resumed admission clears the suppression
// (admitResumed); a heartbeat timeout skips suppression outright and
// publishes offline immediately (§8 scenario "Resumption suppresses
// flap").
func (b *Broker) onSessionGone(s *domain.Session, hadResumeGrace bool) {
	handle := s.Handle
	b.touchLastSeen(handle)

	if !hadResumeGrace {
		b.fanout.ClearSuppress(handle)
		if len(b.sessions.ByHandle(handle)) == 0 {
			b.fanout.PublishOffline(handle)
		}
		b.fanout.Schedule(context.Background())
		return
	}

	b.fanout.Suppress(handle, s, time.Now().Add(b.cfg.TTL.ResumeToken))

	time.AfterFunc(b.cfg.TTL.ResumeToken, func() {
		b.fanout.ClearSuppress(handle)
		if len(b.sessions.ByHandle(handle)) == 0 {
			b.fanout.PublishOffline(handle)
			b.fanout.Schedule(context.Background())
		}
	})
}

func (b *Broker) touchLastSeen(handle string) {
	b.lastSeenMu.Lock()
	defer b.lastSeenMu.Unlock()
	b.lastSeenDirty[handle] = time.Now()
}

// startLastSeenFlush periodically writes every dirty handle's last-seen
// timestamp to the store, coalescing at most one write per user per
// interval (§5 "last_seen writes are coalesced").
func (b *Broker) startLastSeenFlush(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Timing.LastSeenFlush)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flushLastSeen(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *Broker) flushLastSeen(ctx context.Context) {
	b.lastSeenMu.Lock()
	dirty := b.lastSeenDirty
	b.lastSeenDirty = make(map[string]time.Time)
	b.lastSeenMu.Unlock()

	for handle, at := range dirty {
		b.persistLastSeen(ctx, handle, at)
	}
}

// persistLastSeen applies Touch's monotonic-non-decreasing rule against
// the user's current last_seen before writing, so a delayed or
// out-of-order flush can never move last_seen backwards.
func (b *Broker) persistLastSeen(ctx context.Context, handle string, at time.Time) {
	user, err := b.store.GetUser(ctx, handle)
	if err != nil || user == nil {
		return
	}
	user.Touch(at)
	if err := b.store.UpdateLastSeen(ctx, handle, user.LastSeenAt); err != nil {
		b.logger.Error("broker: last-seen flush failed", "handle", handle, "error", err)
	}
}

// Sessions exposes the underlying session table, used by wsgateway to
// look up a session's current state (e.g. for the initial sync frame).
func (b *Broker) Sessions() *session.Manager { return b.sessions }

// FanoutEngine exposes the Fan-out Engine for wsgateway's initial sync.
func (b *Broker) FanoutEngine() *fanout.Engine { return b.fanout }

// DeltaSubscription subscribes sender to delta-mode presence updates for
// every handle in handles (the viewer's own handle plus every handle the
// initial SyncFor returned) and forwards each as a delta frame until ctx
// is cancelled. It is a no-op in snapshot mode. The returned cancel func
// must be called once when the caller's session ends.
func (b *Broker) DeltaSubscription(ctx context.Context, sender Sender, handles []string) func() {
	if b.fanout.Mode() != config.FanoutDelta {
		return func() {}
	}

	ch, cancel := b.fanout.Subscribe(handles)
	go func() {
		for {
			select {
			case d, ok := <-ch:
				if !ok {
					return
				}
				_ = sender.Send(deltaFrameFor(d))
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
