// Package visibility implements the pure Visibility Engine from §4.4:
// canSee(viewer, target) and the field-masking projection applied before
// a target's presence is shown to anyone.
package visibility

import "github.com/ashureev/presence-broker/internal/domain"

// Target is everything CanSee needs to know about the presence being
// viewed.
type Target struct {
	Handle          string
	IdentityID      int64 // 0 for guests
	Preferences     domain.Preferences
	FollowerIDs     []int64 // identity ids who follow Handle
	FollowingIDs    []int64 // identity ids Handle follows
	CloseFriendIDs  []int64 // identity ids Handle has pinned as close friends
}

// Viewer is everything CanSee needs to know about the viewing party.
type Viewer struct {
	Handle     string
	IdentityID int64 // 0 for guests
}

// ConnectionChecker answers whether two resolved handles are manually
// connected, in either direction. Implementations should check both the
// alias-resolved and raw handles per §9 "Username resolution" — that
// double lookup is the caller's (Fan-out Engine's) job, not this
// package's; CanSee takes the already-resolved boolean as connected.
type ConnectionChecker func(viewerHandle, targetHandle string) bool

// CanSee implements §4.4 steps 1-4. connected must already reflect the
// manual-connection override, resolved per §9's alias rule.
func CanSee(viewer Viewer, target Target, connected bool) bool {
	if target.Preferences.Visibility == domain.VisibilityInvisible {
		if connected {
			// Manual connection overrides all other rules, including
			// invisible — the target explicitly consented to this
			// viewer by redeeming/issuing the invite (§3 invariants).
			return true
		}
		return false
	}

	if connected {
		return true
	}

	switch target.Preferences.Visibility {
	case domain.VisibilityEveryone:
		return true
	case domain.VisibilityFollowers:
		return containsID(target.FollowerIDs, viewer.IdentityID)
	case domain.VisibilityFollowing:
		return containsID(target.FollowingIDs, viewer.IdentityID)
	case domain.VisibilityCloseFriends:
		return containsID(target.CloseFriendIDs, viewer.IdentityID)
	default:
		// Guests with no preference row get the lazily-created
		// permissive default (domain.DefaultPreferences), so an empty
		// Visibility here only happens for a malformed record — treat
		// it as the safe default of not visible.
		return false
	}
}

func containsID(ids []int64, id int64) bool {
	if id == 0 {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Project applies §4.4's field masking: project/language are blanked
// when sharing is disabled, and activity is replaced with the literal
// "Hidden" when share_activity is false.
func Project(p domain.Presence, prefs domain.Preferences) domain.Presence {
	out := p
	if !prefs.ShareProject {
		out.Project = ""
	}
	if !prefs.ShareLanguage {
		out.Language = ""
	}
	if !prefs.ShareActivity {
		out.Activity = domain.ActivityHidden
	}
	return out
}
