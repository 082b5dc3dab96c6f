package queue

import "github.com/router-for-me/RelayGate/internal/models"

// transitions lists the only legal lifecycle moves. Terminal states have no outgoing edges.
var transitions = map[string][]string{
	models.DeferredStatusPending:    {models.DeferredStatusProcessing},
	models.DeferredStatusProcessing: {models.DeferredStatusCompleted, models.DeferredStatusFailed},
}

// CanTransition reports whether a deferred call may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
