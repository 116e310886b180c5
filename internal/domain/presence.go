package domain

import "time"

// Activity is a coarse editor activity classification, ordered by
// display priority: Debugging > Coding > Reading > Idle > Hidden.
type Activity string

const (
	ActivityDebugging Activity = "Debugging"
	ActivityCoding    Activity = "Coding"
	ActivityReading   Activity = "Reading"
	ActivityIdle      Activity = "Idle"
	ActivityHidden    Activity = "Hidden"
)

// activityPriority is the fixed total order from §4.5. Higher wins.
var activityPriority = map[Activity]int{
	ActivityDebugging: 4,
	ActivityCoding:    3,
	ActivityReading:   2,
	ActivityIdle:      1,
	ActivityHidden:    0,
}

// Priority returns the activity's rank in the fixed total order.
// Unknown activities sort below Hidden.
func (a Activity) Priority() int {
	if p, ok := activityPriority[a]; ok {
		return p
	}
	return -1
}

// Status is the coarse online/offline indicator carried on a presence
// record.
type Status string

const (
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
)

// Presence is the displayable state for one handle: the aggregate of
// that handle's live sessions, or a last-seen stub when offline.
type Presence struct {
	Handle   string
	Avatar   string
	Status   Status
	Activity Activity
	Project  string
	Language string
	LastSeen time.Time
	UpdatedAt time.Time
}

// IsOffline reports whether this record represents an offline contact.
func (p Presence) IsOffline() bool {
	return p.Status == StatusOffline
}
