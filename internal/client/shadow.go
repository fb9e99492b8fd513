// ABOUTME: Pure state machine for the shadow-delete lifecycle of a conversation
// ABOUTME: Transitions are decoupled from the network calls that trigger them

package client

import "fmt"

// DeleteState is the lifecycle position of an entity the user asked to delete
type DeleteState int

const (
	// StatePresent means the entity is visible and not marked for deletion
	StatePresent DeleteState = iota
	// StatePendingDelete means the user requested deletion and the entity
	// has been removed from in-memory lists, but nothing is persisted yet
	StatePendingDelete
	// StateShadowed means the id sits in the persisted shadow set; the
	// entity must never be shown again whatever the remote store says
	StateShadowed
	// StateConfirmedGone means the remote store independently confirmed
	// the entity no longer exists, so the shadow entry can be dropped
	StateConfirmedGone
)

func (s DeleteState) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StatePendingDelete:
		return "pendingDelete"
	case StateShadowed:
		return "shadowed"
	case StateConfirmedGone:
		return "confirmedGone"
	default:
		return fmt.Sprintf("DeleteState(%d)", int(s))
	}
}

// DeleteEvent is an observation that may advance the delete lifecycle
type DeleteEvent int

const (
	// EventDeleteRequested is the user's delete action
	EventDeleteRequested DeleteEvent = iota
	// EventShadowRecorded fires once the id is persisted to the shadow set
	EventShadowRecorded
	// EventRemoteAbsent is a reconciliation read finding the entity gone
	EventRemoteAbsent
	// EventRemotePresent is a reconciliation read finding the entity alive
	EventRemotePresent
)

func (e DeleteEvent) String() string {
	switch e {
	case EventDeleteRequested:
		return "deleteRequested"
	case EventShadowRecorded:
		return "shadowRecorded"
	case EventRemoteAbsent:
		return "remoteAbsent"
	case EventRemotePresent:
		return "remotePresent"
	default:
		return fmt.Sprintf("DeleteEvent(%d)", int(e))
	}
}

// NextDeleteState applies one event to a state. The ok result is false when
// the event does not apply in the given state, in which case the state is
// returned unchanged. A remote-present observation while shadowed keeps the
// entity shadowed: the shadow is only released by confirmed absence.
func NextDeleteState(s DeleteState, e DeleteEvent) (DeleteState, bool) {
	switch {
	case s == StatePresent && e == EventDeleteRequested:
		return StatePendingDelete, true
	case s == StatePendingDelete && e == EventShadowRecorded:
		return StateShadowed, true
	case s == StateShadowed && e == EventRemoteAbsent:
		return StateConfirmedGone, true
	case s == StateShadowed && e == EventRemotePresent:
		return StateShadowed, true
	default:
		return s, false
	}
}
