package subscription

import (
	"errors"
	"fmt"
	"time"

	"presence-indicator/pkg/presence"
)

// State is the lifecycle position of the single subscription this process owns.
type State int

// Lifecycle states.
const (
	Absent State = iota
	Creating
	Active
	Renewing
	Recreating
	ReauthPending
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Recreating:
		return "recreating"
	case ReauthPending:
		return "reauth_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition marks a lifecycle step the table does not allow.
var ErrInvalidTransition = errors.New("subscription: invalid state transition")

var transitions = map[State][]State{
	Absent:        {Creating, Renewing, ReauthPending},
	Creating:      {Active, Recreating, ReauthPending, Absent},
	Active:        {Renewing, Creating, ReauthPending, Absent},
	Renewing:      {Active, ReauthPending, Absent, Creating},
	Recreating:    {Creating},
	ReauthPending: {Creating, Renewing, Absent},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is what EnsureActive will do for a given persisted state.
type Action int

// Actions.
const (
	ActionCreate Action = iota
	ActionRenew
)

func (a Action) String() string {
	if a == ActionRenew {
		return "renew"
	}
	return "create"
}

// decide picks create or renew from the persisted state alone. Anything
// incomplete, unparsable or within margin of expiry is recreated.
func decide(st *presence.State, now time.Time, margin time.Duration) Action {
	if st == nil || st.SubscriptionID == "" || st.ExpirationDateTime == "" || st.ClientState == "" || st.AccessToken == "" {
		return ActionCreate
	}
	expiry, err := st.Expiry()
	if err != nil {
		return ActionCreate
	}
	if !now.Before(expiry.Add(-margin)) {
		return ActionCreate
	}
	return ActionRenew
}
