package task

import "context"

// Repository is the task store contract. Implementations must make
// UpdateStatusIf atomic: no two concurrent callers may both observe the
// `from` status and both commit a transition.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns all tasks, newest first.
	List(ctx context.Context) ([]*Task, error)
	// ListPending returns PENDING tasks for the agent in dispatch order:
	// HIGH priority first, oldest first within a priority.
	ListPending(ctx context.Context, targetAgent string) ([]*Task, error)
	ListByTargetAndStatus(ctx context.Context, targetAgent string, status Status) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	// UpdateStatusIf applies mutate to the task only if its current status
	// equals from, and persists the result. It returns the updated task, or
	// FailedPrecondition when the status no longer matches.
	UpdateStatusIf(ctx context.Context, id string, from Status, mutate func(*Task) error) (*Task, error)
}
