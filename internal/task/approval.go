package task

// IsDispatchable decides whether the approval gate allows delivery now.
// High priority always passes; otherwise approval, when required, must have
// been granted. A task that fails the gate stays PENDING and is skipped by
// the scheduler, not treated as absent.
func IsDispatchable(t *Task) bool {
	if t.Priority == PriorityHigh {
		return true
	}
	if !t.RequiresApproval {
		return true
	}
	return t.ApprovedAt != nil
}
