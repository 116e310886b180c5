// Package invite implements the Invite Pipe from §4.8: short single-use
// codes that establish a symmetric manual connection on redemption,
// independent of the identity provider.
package invite

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/store"
)

const (
	codeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength    = 6
	defaultTTL    = 48 * time.Hour
	maxTTL        = 168 * time.Hour
)

// Deliverer hands an already-built outbound payload to every live
// session of handle.
type Deliverer func(handle string, frame any)

// Pipe is the Invite Pipe.
type Pipe struct {
	store   store.Repository
	cache   *cache.Cache
	deliver Deliverer
}

// New constructs a Pipe.
func New(repo store.Repository, c *cache.Cache, deliver Deliverer) *Pipe {
	return &Pipe{store: repo, cache: c, deliver: deliver}
}

// Create issues a fresh invite code for creatorHandle, good for
// ttlHours hours (clamped to (0, 168], defaulting to 48 when ttlHours
// is zero or unset).
func (p *Pipe) Create(ctx context.Context, creatorHandle string, ttlHours int) (*domain.InviteCode, error) {
	ttl := defaultTTL
	if ttlHours > 0 {
		ttl = time.Duration(ttlHours) * time.Hour
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	code, err := randomCode()
	if err != nil {
		return nil, fmt.Errorf("generate invite code: %w", err)
	}

	now := time.Now()
	invite := &domain.InviteCode{
		Code:          code,
		CreatorHandle: creatorHandle,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := p.store.CreateInvite(ctx, invite); err != nil {
		return nil, fmt.Errorf("store invite: %w", err)
	}
	return invite, nil
}

// AcceptResult is the outcome of redeeming an invite.
type AcceptResult struct {
	Success       bool
	FriendHandle  string
	Error         string
}

// inviteAcceptFailure is the canned message for every acceptInvite
// failure path (§6's single documented error string).
const inviteAcceptFailure = "Invalid, expired, or already used invite code"

// Accept redeems code on behalf of redeemerHandle (§4.8, §8 scenario
// 2 and 5). On success it establishes the symmetric manual-connection
// pair, invalidates both handles' offline-contact caches, notifies the
// creator's live sessions, and reports the creator's handle so the
// caller can trigger a fan-out cycle for both endpoints.
func (p *Pipe) Accept(ctx context.Context, redeemerHandle, code string) AcceptResult {
	invite, err := p.store.GetInvite(ctx, code)
	if err != nil || invite == nil {
		return AcceptResult{Success: false, Error: inviteAcceptFailure}
	}

	now := time.Now()
	if !invite.Redeemable(redeemerHandle, now) {
		return AcceptResult{Success: false, Error: inviteAcceptFailure}
	}

	redeemed, err := p.store.RedeemInvite(ctx, code, redeemerHandle, now)
	if err != nil || !redeemed {
		return AcceptResult{Success: false, Error: inviteAcceptFailure}
	}

	if err := p.store.AddManualConnection(ctx, invite.CreatorHandle, redeemerHandle); err != nil {
		return AcceptResult{Success: false, Error: inviteAcceptFailure}
	}

	if p.cache != nil {
		p.cache.InvalidateContacts(invite.CreatorHandle)
		p.cache.InvalidateContacts(redeemerHandle)
	}

	if p.deliver != nil {
		p.deliver(invite.CreatorHandle, map[string]any{
			"type": "friendJoined",
			"user": redeemerHandle,
			"via":  "invite",
		})
	}

	return AcceptResult{Success: true, FriendHandle: invite.CreatorHandle}
}

// RemoveConnection deletes the symmetric manual-connection pair
// between handle and peer.
func (p *Pipe) RemoveConnection(ctx context.Context, handle, peer string) error {
	if err := p.store.RemoveManualConnection(ctx, handle, peer); err != nil {
		return fmt.Errorf("remove manual connection: %w", err)
	}
	if p.cache != nil {
		p.cache.InvalidateContacts(handle)
		p.cache.InvalidateContacts(peer)
	}
	return nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
