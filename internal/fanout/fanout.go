// Package fanout implements the Fan-out Engine from §4.6: legacy
// full-snapshot broadcast and pub/sub delta fan-out. Snapshot broadcasts
// are debounced so a burst of changes within the configured window
// collapses into one broadcast per viewer; delta-mode publications are
// sent on the bus as soon as they are made and are not debounced.
package fanout

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/presence-broker/internal/aggregate"
	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/config"
	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/identity"
	"github.com/ashureev/presence-broker/internal/session"
	"github.com/ashureev/presence-broker/internal/store"
	"github.com/ashureev/presence-broker/internal/visibility"
)

// offlineContactWindow is the 7-day cutoff from §4.6 step 2 / §8
// boundary behaviors.
const offlineContactWindow = 7 * 24 * time.Hour

// Deliverer hands an already-built outbound payload to every live
// session of handle.
type Deliverer func(handle string, frame any)

// OutUser is one entry of an outbound userList/sync frame.
type OutUser struct {
	Handle   string        `json:"handle"`
	Avatar   string        `json:"avatar"`
	Status   domain.Status `json:"status"`
	Activity domain.Activity `json:"activity,omitempty"`
	Project  string        `json:"project,omitempty"`
	Language string        `json:"language,omitempty"`
	LastSeen time.Time     `json:"lastSeen,omitempty"`
}

// Engine is the Fan-out Engine. It holds no per-connection state of its
// own; it reads the session table and store on demand and schedules
// debounced broadcasts.
type Engine struct {
	sessions *session.Manager
	store    store.Repository
	cache    *cache.Cache
	mode     config.FanoutMode
	debounce time.Duration
	deliver  Deliverer
	logger   *slog.Logger

	mu      sync.Mutex
	pending bool
	timer   *time.Timer

	suppressMu sync.Mutex
	suppressed map[string]suppressedEntry
}

// suppressedEntry holds the last live session a handle had before a
// graceful disconnect, kept around through its resume-token grace
// window so a broadcast triggered by someone else during that window
// still reports the handle as online.
type suppressedEntry struct {
	session *domain.Session
	until   time.Time
}

// New constructs an Engine.
func New(sessions *session.Manager, repo store.Repository, c *cache.Cache, mode config.FanoutMode, debounce time.Duration, deliver Deliverer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions: sessions,
		store:    repo,
		cache:    c,
		mode:     mode,
		debounce: debounce,
		deliver:  deliver,
		logger:   logger,
	}
}

// Schedule requests a broadcast cycle within the debounce window. Any
// number of calls within one window collapse into a single broadcast
// (§4.6 "both are debounced").
func (e *Engine) Schedule(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending {
		return
	}
	e.pending = true
	e.timer = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		e.pending = false
		e.mu.Unlock()
		e.broadcastAll(ctx)
	})
}

// broadcastAll builds and delivers a fresh view to every live session.
func (e *Engine) broadcastAll(ctx context.Context) {
	sessions := e.sessions.Snapshot()
	byHandle := groupByHandle(sessions)

	for _, viewerSessions := range byHandle {
		viewer := viewerSessions[0]
		users, err := e.buildSnapshotFor(ctx, viewer, byHandle)
		if err != nil {
			e.logger.Error("fanout: build snapshot failed", "viewer", viewer.Handle, "error", err)
			continue
		}
		e.deliver(viewer.Handle, map[string]any{"type": "userList", "users": users})
	}
}

// SyncFor builds and returns the initial userList/sync view for a
// single freshly-admitted session, without waiting for the debounce
// window.
func (e *Engine) SyncFor(ctx context.Context, viewer *domain.Session) ([]OutUser, error) {
	byHandle := groupByHandle(e.sessions.Snapshot())
	return e.buildSnapshotFor(ctx, viewer, byHandle)
}

// PublishStatusUpdate implements delta mode's statusUpdate path: it
// publishes the masked presence to presence:<handle> (§4.6 "Delta
// mode"). It is a no-op in snapshot mode.
func (e *Engine) PublishStatusUpdate(s *domain.Session, avatar string) {
	if e.mode != config.FanoutDelta {
		return
	}
	p := visibility.Project(s.ToPresence(avatar), s.Preferences)
	e.cache.Bus().Publish(topicFor(s.Handle), cache.Delta{Kind: "u", Handle: s.Handle, Presence: p})
}

// PublishOffline implements delta mode's go-offline event.
func (e *Engine) PublishOffline(handle string) {
	if e.mode != config.FanoutDelta {
		return
	}
	e.cache.Bus().Publish(topicFor(handle), cache.Delta{Kind: "x", Handle: handle})
}

// PublishOnline implements delta mode's come-online event.
func (e *Engine) PublishOnline(s *domain.Session, avatar string) {
	if e.mode != config.FanoutDelta {
		return
	}
	p := visibility.Project(s.ToPresence(avatar), s.Preferences)
	e.cache.Bus().Publish(topicFor(s.Handle), cache.Delta{Kind: "o", Handle: s.Handle, Presence: p})
}

// Subscribe registers a buffered channel for delta-mode fan-out across
// every handle in handles — the viewer's own handle plus every handle
// currently visible to it. The returned cancel func unsubscribes every
// topic and must be called once when the caller's session ends. New
// contacts that become visible after the subscription was taken are not
// picked up until the next connection's SyncFor re-subscribes.
func (e *Engine) Subscribe(handles []string) (<-chan cache.Delta, func()) {
	ch := make(chan cache.Delta, 32)
	for _, h := range handles {
		e.cache.Bus().Subscribe(topicFor(h), ch)
	}
	cancel := func() {
		for _, h := range handles {
			e.cache.Bus().Unsubscribe(topicFor(h), ch)
		}
	}
	return ch, cancel
}

// Mode reports the configured fan-out mode.
func (e *Engine) Mode() config.FanoutMode {
	return e.mode
}

// Suppress marks handle as still-online for snapshot/offline-contact
// purposes until until, even though it currently has no live sessions.
// Used during a disconnect's resume-token grace period so a broadcast
// triggered by an unrelated event during that window doesn't report a
// flap (§8 "Resumption suppresses flap").
func (e *Engine) Suppress(handle string, s *domain.Session, until time.Time) {
	e.suppressMu.Lock()
	defer e.suppressMu.Unlock()
	if e.suppressed == nil {
		e.suppressed = make(map[string]suppressedEntry)
	}
	e.suppressed[handle] = suppressedEntry{session: s, until: until}
}

// ClearSuppress removes any grace-period suppression for handle.
func (e *Engine) ClearSuppress(handle string) {
	e.suppressMu.Lock()
	defer e.suppressMu.Unlock()
	delete(e.suppressed, handle)
}

// mergeSuppressed overlays still-suppressed handles that have no live
// session onto byHandle, so buildSnapshotFor treats them exactly like a
// handle with one live session.
func (e *Engine) mergeSuppressed(byHandle map[string][]*domain.Session) map[string][]*domain.Session {
	e.suppressMu.Lock()
	defer e.suppressMu.Unlock()
	if len(e.suppressed) == 0 {
		return byHandle
	}

	now := time.Now()
	merged := byHandle
	cloned := false
	for handle, entry := range e.suppressed {
		if now.After(entry.until) {
			delete(e.suppressed, handle)
			continue
		}
		if _, live := byHandle[handle]; live {
			continue
		}
		if !cloned {
			merged = make(map[string][]*domain.Session, len(byHandle)+1)
			for k, v := range byHandle {
				merged[k] = v
			}
			cloned = true
		}
		merged[handle] = []*domain.Session{entry.session}
	}
	return merged
}

func topicFor(handle string) string {
	return "presence:" + handle
}

func groupByHandle(sessions []*domain.Session) map[string][]*domain.Session {
	byHandle := make(map[string][]*domain.Session)
	for _, s := range sessions {
		byHandle[s.Handle] = append(byHandle[s.Handle], s)
	}
	return byHandle
}

// buildSnapshotFor implements §4.6 legacy snapshot mode steps 1-2 for
// one viewer.
func (e *Engine) buildSnapshotFor(ctx context.Context, viewer *domain.Session, byHandle map[string][]*domain.Session) ([]OutUser, error) {
	byHandle = e.mergeSuppressed(byHandle)

	var out []OutUser
	seen := make(map[string]struct{})

	viewerView := visibility.Viewer{Handle: viewer.Handle, IdentityID: viewer.IdentityID}

	for handle, hsessions := range byHandle {
		user, err := e.store.GetUser(ctx, handle)
		avatar := ""
		if err == nil && user != nil {
			avatar = user.Avatar
		}

		best := aggregate.Best(hsessions)
		target := visibility.Target{
			Handle:       handle,
			IdentityID:   best.IdentityID,
			Preferences:  best.Preferences,
			FollowerIDs:  best.Followers,
			FollowingIDs: best.Following,
		}
		if best.IdentityID != 0 {
			ids, err := e.store.GetCloseFriendIDs(ctx, best.IdentityID)
			if err == nil {
				target.CloseFriendIDs = ids
			}
		}

		visible := handle == viewer.Handle
		if !visible {
			connected, err := e.manuallyConnected(ctx, viewer.Handle, handle)
			if err != nil {
				e.logger.Warn("fanout: manual connection check failed", "error", err)
			}
			visible = visibility.CanSee(viewerView, target, connected)
		}
		if !visible {
			continue
		}

		presence := aggregate.Collapse(hsessions, avatar)
		presence = visibility.Project(presence, best.Preferences)
		seen[handle] = struct{}{}
		out = append(out, OutUser{
			Handle:   presence.Handle,
			Avatar:   presence.Avatar,
			Status:   domain.StatusOnline,
			Activity: presence.Activity,
			Project:  presence.Project,
			Language: presence.Language,
		})
	}

	offline, err := e.offlineContacts(ctx, viewer.Handle, seen)
	if err != nil {
		return nil, err
	}
	out = append(out, offline...)

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// offlineContacts implements §4.6 step 2: the union of the viewer's
// follower, following, close-friend, and manual-connection sets,
// filtered to those not already online and last seen within the past
// 7 days. The candidate handle list (before the last-seen filter) is
// read-through cached for 5 minutes (§4.6).
func (e *Engine) offlineContacts(ctx context.Context, viewerHandle string, onlineHandles map[string]struct{}) ([]OutUser, error) {
	candidates, ok := e.cache.GetContacts(viewerHandle)
	if !ok {
		var err error
		candidates, err = e.loadContactHandles(ctx, viewerHandle)
		if err != nil {
			return nil, err
		}
		e.cache.PutContacts(viewerHandle, candidates)
	}

	now := time.Now()
	var out []OutUser
	for _, handle := range candidates {
		if handle == viewerHandle {
			continue
		}
		if _, isOnline := onlineHandles[handle]; isOnline {
			continue
		}
		user, err := e.store.GetUser(ctx, handle)
		if err != nil || user == nil {
			continue
		}
		if now.Sub(user.LastSeenAt) >= offlineContactWindow {
			continue
		}
		out = append(out, OutUser{
			Handle:   user.Handle,
			Avatar:   user.Avatar,
			Status:   domain.StatusOffline,
			LastSeen: user.LastSeenAt,
		})
	}
	return out, nil
}

// loadContactHandles resolves the handle-level union of a viewer's
// identity-provider follower/following edges, close friends, and
// manual connections. Relationship edges are stored by identity id, so
// each must be resolved back to a handle via the user table.
func (e *Engine) loadContactHandles(ctx context.Context, viewerHandle string) ([]string, error) {
	handles := make(map[string]struct{})

	viewerUser, err := e.store.GetUser(ctx, viewerHandle)
	if err == nil && viewerUser != nil && viewerUser.IdentityID != 0 {
		followerIDs, _ := e.store.GetFollowerIDs(ctx, viewerUser.IdentityID)
		followingIDs, _ := e.store.GetFollowingIDs(ctx, viewerUser.IdentityID)
		closeFriendIDs, _ := e.store.GetCloseFriendIDs(ctx, viewerUser.IdentityID)

		ids := append(append(followerIDs, followingIDs...), closeFriendIDs...)
		for _, id := range ids {
			u, err := e.store.GetUserByIdentityID(ctx, id)
			if err == nil && u != nil {
				handles[u.Handle] = struct{}{}
			}
		}
	}

	peers, err := e.store.ListManualConnectionPeers(ctx, viewerHandle)
	if err == nil {
		for _, p := range peers {
			handles[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(handles))
	for h := range handles {
		out = append(out, h)
	}
	return out, nil
}

// manuallyConnected checks for a manual-connection edge between viewer
// and target, after alias resolution and also with raw handles, per §9
// "Username resolution".
func (e *Engine) manuallyConnected(ctx context.Context, viewerHandle, targetHandle string) (bool, error) {
	resolvedViewer, err := identity.Resolve(ctx, e.store, viewerHandle)
	if err != nil {
		resolvedViewer = viewerHandle
	}
	resolvedTarget, err := identity.Resolve(ctx, e.store, targetHandle)
	if err != nil {
		resolvedTarget = targetHandle
	}

	if resolvedViewer == viewerHandle && resolvedTarget == targetHandle {
		return e.store.IsManuallyConnected(ctx, viewerHandle, targetHandle)
	}

	if connected, err := e.store.IsManuallyConnected(ctx, resolvedViewer, resolvedTarget); err == nil && connected {
		return true, nil
	}
	return e.store.IsManuallyConnected(ctx, viewerHandle, targetHandle)
}
