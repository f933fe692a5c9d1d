package engine

import (
	"fmt"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// transitions lists the allowed status edges. Staying in error while a
// retried create is still authenticating is an update, not a transition.
var transitions = map[stores.Status][]stores.Status{
	stores.StatusPending:      {stores.StatusInitializing, stores.StatusApplying, stores.StatusError},
	stores.StatusInitializing: {stores.StatusApplying, stores.StatusError},
	stores.StatusApplying:     {stores.StatusCompleted, stores.StatusError},
	stores.StatusCompleted:    {stores.StatusDestroying},
	stores.StatusError:        {stores.StatusInitializing, stores.StatusApplying, stores.StatusDestroying},
	stores.StatusDestroying:   {stores.StatusDestroyed, stores.StatusError},
	stores.StatusDestroyed:    nil,
}

// CanTransition reports whether a deployment may move from one status to
// another.
func CanTransition(from, to stores.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns the statuses reachable in one step from s.
func Successors(s stores.Status) []stores.Status {
	return append([]stores.Status(nil), transitions[s]...)
}

func checkTransition(from, to stores.Status) error {
	if !CanTransition(from, to) {
		return NewInternalError(fmt.Sprintf("illegal status transition %s -> %s", from, to), nil)
	}
	return nil
}

// canDestroy reports whether destroy may begin from s.
func canDestroy(s stores.Status) bool {
	return CanTransition(s, stores.StatusDestroying)
}
