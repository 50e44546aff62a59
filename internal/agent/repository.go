package agent

import "context"

type Repository interface {
	Upsert(ctx context.Context, a *Agent) error
	Get(ctx context.Context, name string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Delete(ctx context.Context, name string) error
}
