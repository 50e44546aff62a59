package attemptlog

import "context"

// Repository is append-only: attempts are created and listed, never updated.
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	ListByTask(ctx context.Context, taskID string) ([]*Attempt, error)
}
