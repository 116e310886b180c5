package domain

import "time"

// SessionState is the Session Manager's state machine from §4.9:
// AwaitingLogin -> Authenticating -> Live -> (Zombie) -> (Closing -> Closed).
type SessionState string

const (
	SessionAwaitingLogin SessionState = "AwaitingLogin"
	SessionAuthenticating SessionState = "Authenticating"
	SessionLive          SessionState = "Live"
	SessionZombie        SessionState = "Zombie"
	SessionClosing       SessionState = "Closing"
	SessionClosed        SessionState = "Closed"
)

// Session is one connected client window. Many sessions may share a
// Handle; SessionID is unique per window.
type Session struct {
	SessionID  string
	Handle     string
	IdentityID int64 // 0 for guest sessions

	Followers []int64 // identity-provider follower ids, snapshotted at admission
	Following []int64 // identity-provider following ids, snapshotted at admission

	Status   Status
	Activity Activity
	Project  string
	Language string

	Preferences Preferences

	State         SessionState
	IsAlive       bool
	LastHeartbeat time.Time
	UpdatedAt     time.Time
	ResumeToken   string
}

// IsLive reports whether the session currently counts toward its
// handle's aggregate presence.
func (s *Session) IsLive() bool {
	return s.State == SessionLive || s.State == SessionZombie
}

// HasFollower reports whether viewerIdentityID appears in this
// session's snapshotted follower set.
func (s *Session) HasFollower(viewerIdentityID int64) bool {
	for _, id := range s.Followers {
		if id == viewerIdentityID {
			return true
		}
	}
	return false
}

// HasFollowing reports whether viewerIdentityID appears in this
// session's snapshotted following set.
func (s *Session) HasFollowing(viewerIdentityID int64) bool {
	for _, id := range s.Following {
		if id == viewerIdentityID {
			return true
		}
	}
	return false
}

// ToPresence collapses one session into a presence record. Aggregation
// across multiple sessions for the same handle is the Aggregator's job
// (internal/aggregate), not this method's.
func (s *Session) ToPresence(avatar string) Presence {
	return Presence{
		Handle:    s.Handle,
		Avatar:    avatar,
		Status:    StatusOnline,
		Activity:  s.Activity,
		Project:   s.Project,
		Language:  s.Language,
		UpdatedAt: s.UpdatedAt,
	}
}
