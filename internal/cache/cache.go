// Package cache provides the Presence Cache (§4.2 of the system
// overview numbering; §3 "Presence record (cache)"): short-TTL presence
// records, one-time resume tokens, a few-minutes contact-list cache, and
// a pub/sub bus keyed by presence:<username>.
//
// The cache is always in-process memory. A configured external cache
// endpoint that can't be reached degrades to this same in-process cache
// rather than failing startup (§4.10 "Cache unavailable").
package cache

import (
	"sync"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ResumeEntry is what a resume token maps to (§4.1 "Resume token").
type ResumeEntry struct {
	Handle     string
	IdentityID int64
}

// Cache is the Presence Cache. It is advisory: every correctness
// invariant holds from Store state alone, so a cache miss or eviction
// never produces wrong behavior, only a slower read (§9 "Cache is
// advisory").
type Cache struct {
	presence *lru.LRU[string, domain.Presence]
	resume   *lru.LRU[string, ResumeEntry]
	contacts *lru.LRU[string, []string]

	bus *Bus
}

// New constructs a Cache with the configured TTLs.
func New(presenceTTL, resumeTTL, contactTTL time.Duration) *Cache {
	return &Cache{
		presence: lru.NewLRU[string, domain.Presence](4096, nil, presenceTTL),
		resume:   lru.NewLRU[string, ResumeEntry](4096, nil, resumeTTL),
		contacts: lru.NewLRU[string, []string](4096, nil, contactTTL),
		bus:      NewBus(),
	}
}

// Bus returns the pub/sub bus used by delta fan-out.
func (c *Cache) Bus() *Bus {
	return c.bus
}

// PutPresence stores a handle's live presence record.
func (c *Cache) PutPresence(handle string, p domain.Presence) {
	c.presence.Add(handle, p)
}

// GetPresence returns the cached presence record for handle, if any and
// unexpired. Absence means offline (§3 "Presence record (cache)").
func (c *Cache) GetPresence(handle string) (domain.Presence, bool) {
	return c.presence.Get(handle)
}

// RemovePresence evicts a handle's presence record, e.g. on go-offline.
func (c *Cache) RemovePresence(handle string) {
	c.presence.Remove(handle)
}

// PutResumeToken stores a freshly minted resume token with the
// configured TTL (default 60s, §4.1).
func (c *Cache) PutResumeToken(token string, entry ResumeEntry) {
	c.resume.Add(token, entry)
}

// ConsumeResumeToken looks up and deletes a resume token atomically —
// resume tokens are one-time (§4.1 "Resume tokens are one-time").
func (c *Cache) ConsumeResumeToken(token string) (ResumeEntry, bool) {
	entry, ok := c.resume.Get(token)
	if !ok || !c.resume.Remove(token) {
		// Only the caller whose Remove actually deleted the token wins.
		return ResumeEntry{}, false
	}
	return entry, true
}

// PutContacts caches a viewer's offline-contact handle list for the
// configured TTL (default 300s).
func (c *Cache) PutContacts(viewer string, handles []string) {
	c.contacts.Add(viewer, handles)
}

// GetContacts returns the cached offline-contact list for viewer.
func (c *Cache) GetContacts(viewer string) ([]string, bool) {
	return c.contacts.Get(viewer)
}

// InvalidateContacts evicts a viewer's cached contact list. Called
// whenever a manual connection is added/removed or a preference
// changes (§4.6 "Offline lookups are read-through cached").
func (c *Cache) InvalidateContacts(viewer string) {
	c.contacts.Remove(viewer)
}

// Bus is a tiny in-process pub/sub keyed by topic (presence:<handle>).
// Readers copy the subscriber slice under RLock before using it so a
// publish never races a concurrent subscribe/unsubscribe.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Delta]struct{}
}

// Delta is one fan-out delta frame payload (§4.6 "Delta mode").
type Delta struct {
	Kind string // "u", "o", "x"
	Handle string
	Presence domain.Presence
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Delta]struct{})}
}

// Subscribe registers ch to receive every Delta published to topic.
// The caller owns ch and must call Unsubscribe before closing it.
func (b *Bus) Subscribe(topic string, ch chan Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[chan Delta]struct{})
		b.subs[topic] = set
	}
	set[ch] = struct{}{}
}

// Unsubscribe removes ch from topic.
func (b *Bus) Unsubscribe(topic string, ch chan Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, topic)
	}
}

// Publish sends d to every subscriber of topic. Slow subscribers are
// skipped (non-blocking send) rather than stalling the publisher —
// a subscriber's channel should be buffered by its owner.
func (b *Bus) Publish(topic string, d Delta) {
	b.mu.RLock()
	set := b.subs[topic]
	recipients := make([]chan Delta, 0, len(set))
	for ch := range set {
		recipients = append(recipients, ch)
	}
	b.mu.RUnlock()

	for _, ch := range recipients {
		select {
		case ch <- d:
		default:
		}
	}
}
