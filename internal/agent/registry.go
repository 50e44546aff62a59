package agent

import (
	"context"
	"log/slog"
	"time"
)

// Registry tracks known agents. Any operation that names an agent refreshes
// its last-seen timestamp; unknown names are registered on first sight.
type Registry struct {
	repo Repository
}

func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo}
}

// Touch upserts the agent with a fresh last-seen time. Failures are logged
// and swallowed: registry bookkeeping must never fail a task operation.
func (r *Registry) Touch(ctx context.Context, name string) {
	if name == "" {
		return
	}
	if err := r.repo.Upsert(ctx, &Agent{Name: name, LastSeenAt: time.Now()}); err != nil {
		slog.Warn("failed to record agent sighting", "agent", name, "error", err)
	}
}

func (r *Registry) Get(ctx context.Context, name string) (*Agent, error) {
	return r.repo.Get(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.repo.List(ctx)
}
