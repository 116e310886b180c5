// Package aggregate implements the Aggregator from §4.5: collapsing the
// set of live sessions for one handle into a single displayable
// presence by the fixed priority order
// Debugging > Coding > Reading > Idle > Hidden, ties broken by most
// recent update time.
package aggregate

import "github.com/ashureev/presence-broker/internal/domain"

// Collapse picks the highest-priority session from sessions (which must
// all share one handle and be live) and returns its presence record
// with avatar attached. Collapse panics if sessions is empty — callers
// must not call it for a handle with zero live sessions (that handle is
// offline and has no aggregate record).
func Collapse(sessions []*domain.Session, avatar string) domain.Presence {
	return Best(sessions).ToPresence(avatar)
}

// Best returns the highest-priority session among sessions (which must
// all share one handle and be live). Best panics if sessions is empty —
// callers must not call it for a handle with zero live sessions (that
// handle is offline and has no aggregate record).
func Best(sessions []*domain.Session) *domain.Session {
	if len(sessions) == 0 {
		panic("aggregate: Best called with no sessions")
	}

	best := sessions[0]
	for _, s := range sessions[1:] {
		if better(s, best) {
			best = s
		}
	}
	return best
}

// better reports whether candidate should replace current as the
// selected session: higher activity priority wins, ties broken by more
// recent UpdatedAt.
func better(candidate, current *domain.Session) bool {
	cp, bp := candidate.Activity.Priority(), current.Activity.Priority()
	if cp != bp {
		return cp > bp
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}
