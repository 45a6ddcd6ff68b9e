package catalog

// CanTransition reports whether an item may legally move from s to next.
// Completed is terminal. The failed → pending edge is the retry path; the
// queued → pending and in_progress → pending edges are the stale/stuck
// recovery paths.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case ItemPending:
		return next == ItemQueued || next == ItemInProgress
	case ItemQueued:
		return next == ItemInProgress || next == ItemPending
	case ItemInProgress:
		return next == ItemCompleted || next == ItemFailed || next == ItemPending
	case ItemFailed:
		return next == ItemInProgress || next == ItemPending
	case ItemCompleted:
		return false
	default:
		return false
	}
}

// CanTransition reports whether a run may legally move from s to next.
// Completed is terminal; everything dormant can be recovered to processing.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case RunProcessing:
		return next == RunPaused || next == RunBlocked || next == RunStopped || next == RunCompleted
	case RunPaused, RunBlocked, RunStopped:
		return next == RunProcessing
	case RunCompleted:
		return false
	default:
		return false
	}
}

// Claimable reports whether the claim step may take the item, given how long
// an in_progress item has been held. The stuckCutoff comparison is the whole
// crash-recovery story: there is no lease beyond the started_at timestamp.
func (i Item) Claimable(stuck bool) bool {
	switch i.Status {
	case ItemPending, ItemQueued, ItemFailed:
		return true
	case ItemInProgress:
		return stuck
	default:
		return false
	}
}
