package visibility

import (
	"testing"

	"github.com/ashureev/presence-broker/internal/domain"
)

func TestCanSeeEveryone(t *testing.T) {
	target := Target{Handle: "alice", Preferences: domain.Preferences{Visibility: domain.VisibilityEveryone}}
	viewer := Viewer{Handle: "carol"}
	if !CanSee(viewer, target, false) {
		t.Errorf("everyone-visible target should be seen by any viewer")
	}
}

func TestCanSeeFollowersOnly(t *testing.T) {
	target := Target{
		Handle:      "alice",
		Preferences: domain.Preferences{Visibility: domain.VisibilityFollowers},
		FollowerIDs: []int64{42},
	}

	if !CanSee(Viewer{Handle: "bob", IdentityID: 42}, target, false) {
		t.Errorf("a follower should see a followers-only target")
	}
	if CanSee(Viewer{Handle: "carol", IdentityID: 99}, target, false) {
		t.Errorf("a non-follower should not see a followers-only target")
	}
}

func TestCanSeeInvisibleOverriddenByManualConnection(t *testing.T) {
	target := Target{Handle: "alice", Preferences: domain.Preferences{Visibility: domain.VisibilityInvisible}}

	if !CanSee(Viewer{Handle: "bob"}, target, true) {
		t.Errorf("a manually connected viewer must see an invisible target (§3 documented override)")
	}
	if CanSee(Viewer{Handle: "carol"}, target, false) {
		t.Errorf("an unconnected viewer must never see an invisible target")
	}
}

func TestCanSeeManualConnectionOverridesPreferences(t *testing.T) {
	target := Target{Handle: "alice", Preferences: domain.Preferences{Visibility: domain.VisibilityFollowers}}
	if !CanSee(Viewer{Handle: "bob"}, target, true) {
		t.Errorf("a manual connection should override a followers-only restriction")
	}
}

func TestCanSeeCloseFriends(t *testing.T) {
	target := Target{
		Handle:         "alice",
		Preferences:    domain.Preferences{Visibility: domain.VisibilityCloseFriends},
		CloseFriendIDs: []int64{7},
	}
	if !CanSee(Viewer{Handle: "bob", IdentityID: 7}, target, false) {
		t.Errorf("a close friend should see a close-friends-only target")
	}
	if CanSee(Viewer{Handle: "dave", IdentityID: 8}, target, false) {
		t.Errorf("a non-close-friend should not see a close-friends-only target")
	}
}

func TestProjectMasksFields(t *testing.T) {
	p := domain.Presence{Handle: "alice", Activity: domain.ActivityCoding, Project: "secret", Language: "go"}
	prefs := domain.Preferences{ShareProject: false, ShareLanguage: false, ShareActivity: false}

	out := Project(p, prefs)
	if out.Project != "" || out.Language != "" {
		t.Errorf("expected project and language to be blanked: %+v", out)
	}
	if out.Activity != domain.ActivityHidden {
		t.Errorf("expected activity to be replaced with Hidden, got %s", out.Activity)
	}
}

func TestProjectPassesThroughWhenShared(t *testing.T) {
	p := domain.Presence{Project: "p", Language: "go", Activity: domain.ActivityCoding}
	prefs := domain.Preferences{ShareProject: true, ShareLanguage: true, ShareActivity: true}

	out := Project(p, prefs)
	if out.Project != "p" || out.Language != "go" || out.Activity != domain.ActivityCoding {
		t.Errorf("expected fields to pass through unmasked: %+v", out)
	}
}
