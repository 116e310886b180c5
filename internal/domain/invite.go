package domain

import "time"

// InviteState is the linear state machine from §4.9: Fresh -> Redeemed
// (terminal) or Fresh -> Expired (terminal, implicit at wall-clock
// threshold).
type InviteState string

const (
	InviteFresh    InviteState = "Fresh"
	InviteRedeemed InviteState = "Redeemed"
	InviteExpired  InviteState = "Expired"
)

// InviteCode is an opaque single-use bearer token establishing a
// symmetric manual connection on redemption.
type InviteCode struct {
	Code          string
	CreatorHandle string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedBy        string // empty until redeemed
	UsedAt        time.Time
}

// StateAt returns the invite's state machine position at instant now.
func (c *InviteCode) StateAt(now time.Time) InviteState {
	if c.UsedBy != "" {
		return InviteRedeemed
	}
	if now.After(c.ExpiresAt) {
		return InviteExpired
	}
	return InviteFresh
}

// Redeemable reports whether code can be redeemed by handle at instant
// now: it must still be Fresh and not self-redeemed.
func (c *InviteCode) Redeemable(handle string, now time.Time) bool {
	return c.StateAt(now) == InviteFresh && handle != c.CreatorHandle
}
