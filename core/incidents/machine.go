package incidents

import "evidence-ledger/core/store"

// edges lists every permitted status change. Nothing leads back to pending and resolved has no exits.
var edges = map[store.Status][]store.Status{
	store.StatusPending:   {store.StatusReviewed},
	store.StatusReviewed:  {store.StatusEscalated, store.StatusDismissed},
	store.StatusEscalated: {store.StatusResolved},
	store.StatusDismissed: {store.StatusResolved},
	store.StatusResolved:  nil,
}

func IsTerminal(s store.Status) bool {
	return s == store.StatusResolved
}

func CanMove(from, to store.Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s store.Status) []store.Status {
	out := make([]store.Status, len(edges[s]))
	copy(out, edges[s])
	return out
}

// counterDelta is the active-case adjustment for a routed station when an incident moves from -> to.
func counterDelta(from, to store.Status) int {
	switch {
	case to == store.StatusEscalated && from != store.StatusEscalated:
		return 1
	case from == store.StatusEscalated && to != store.StatusEscalated:
		return -1
	default:
		return 0
	}
}
