// Package domain contains the core entity types of the presence broker.
package domain

import "time"

// User is a resolved identity: either identity-provider-backed (IdentityID
// set) or a free-standing guest (IdentityID zero).
type User struct {
	Handle      string
	IdentityID  int64 // 0 for guest users
	Avatar      string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// IsGuest reports whether this user has never authenticated against the
// identity provider.
func (u *User) IsGuest() bool {
	return u.IdentityID == 0
}

// Touch advances LastSeenAt, enforcing the monotonic-non-decreasing
// invariant from the data model.
func (u *User) Touch(at time.Time) {
	if at.After(u.LastSeenAt) {
		u.LastSeenAt = at
	}
}

// RelationshipKind distinguishes identity-provider-derived edges.
type RelationshipKind string

const (
	// RelationFollower means related_id follows user_id.
	RelationFollower RelationshipKind = "follower"
	// RelationFollowing means user_id follows related_id.
	RelationFollowing RelationshipKind = "following"
)

// RelationshipEdge is one directed identity-provider edge.
type RelationshipEdge struct {
	UserID    int64
	RelatedID int64
	Kind      RelationshipKind
}

// CloseFriend is a unilateral pinning relation.
type CloseFriend struct {
	UserID   int64
	FriendID int64
	AddedAt  time.Time
}

// ManualConnection is one directed row of a symmetric pair created by
// invite redemption. Rows always come in (a,b)/(b,a) pairs.
type ManualConnection struct {
	Handle      string
	PeerHandle  string
	CreatedAt   time.Time
}

// Alias records that a guest handle was upgraded to an identity-provider
// login, so manual connections made while a guest survive the upgrade.
type Alias struct {
	Login      string // identity-provider login, the alias key
	GuestHandle string
	IdentityID int64
	CreatedAt  time.Time
}

// Visibility is a user's presence-sharing policy.
type Visibility string

const (
	VisibilityEveryone      Visibility = "everyone"
	VisibilityFollowers     Visibility = "followers"
	VisibilityFollowing     Visibility = "following"
	VisibilityCloseFriends  Visibility = "close-friends"
	VisibilityInvisible     Visibility = "invisible"
)

// Preferences controls what a handle's presence reveals and to whom.
type Preferences struct {
	Handle         string
	Visibility     Visibility
	ShareProject   bool
	ShareLanguage  bool
	ShareActivity  bool
}

// DefaultPreferences returns the lazily-created permissive default.
func DefaultPreferences(handle string) Preferences {
	return Preferences{
		Handle:        handle,
		Visibility:    VisibilityEveryone,
		ShareProject:  true,
		ShareLanguage: true,
		ShareActivity: true,
	}
}
