package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/attemptlog"
	attemptimpl "github.com/taskrelay/taskrelay/internal/attemptlog/repositoryimpl"
	"github.com/taskrelay/taskrelay/internal/delivery"
	"github.com/taskrelay/taskrelay/internal/eventbus"
	"github.com/taskrelay/taskrelay/internal/task"
	taskimpl "github.com/taskrelay/taskrelay/internal/task/repositoryimpl"
	"github.com/taskrelay/taskrelay/pkg/storage"
)

type fakeChannel struct {
	mu        sync.Mutex
	delivered []string
	fail      bool
	calls     atomic.Int64
}

func (c *fakeChannel) Deliver(_ context.Context, req *delivery.Request) (*delivery.Result, error) {
	c.calls.Add(1)
	if c.fail {
		return &delivery.Result{Method: "fake", Response: "connection refused"},
			errors.New("connection refused")
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, req.TaskID)
	c.mu.Unlock()
	return &delivery.Result{Method: "fake", Response: "202 Accepted"}, nil
}

func newTestScheduler(t *testing.T, ch delivery.Channel) (*Scheduler, task.Repository, attemptlog.Repository) {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	tasks := taskimpl.NewYAMLRepository(s)
	attempts := attemptimpl.NewYAMLRepository(s)
	return NewScheduler(tasks, attempts, ch, eventbus.New()), tasks, attempts
}

func newPendingTask(t *testing.T, repo task.Repository, targetAgent string, priority task.Priority, createdAt time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:          ulid.Make().String(),
		CreatedBy:   "planner",
		TargetAgent: targetAgent,
		Summary:     "implement the thing",
		Status:      task.StatusPending,
		Priority:    priority,
		CreatedAt:   createdAt,
	}
	require.NoError(t, repo.Create(context.Background(), tk))
	return tk
}

func TestDispatchNextFIFO(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := newPendingTask(t, repo, "coder", task.PriorityNormal, base)
	newPendingTask(t, repo, "coder", task.PriorityNormal, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)
	assert.Equal(t, first.ID, res.Task.ID)
	assert.Equal(t, task.StatusSent, res.Task.Status)
	require.NotNil(t, res.Task.SentAt)
}

func TestDispatchNextPriorityBypass(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	newPendingTask(t, repo, "coder", task.PriorityNormal, base)
	urgent := newPendingTask(t, repo, "coder", task.PriorityHigh, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)
	assert.Equal(t, urgent.ID, res.Task.ID)
}

func TestDispatchNextAgentBusy(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	newPendingTask(t, repo, "coder", task.PriorityNormal, base)
	newPendingTask(t, repo, "coder", task.PriorityNormal, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)

	res, err = sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	assert.Equal(t, task.OutcomeAgentBusy, res.Outcome)
	assert.Equal(t, int64(1), ch.calls.Load())
}

func TestDispatchNextSkipsUnapproved(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	gated := &task.Task{
		ID:               ulid.Make().String(),
		CreatedBy:        "planner",
		TargetAgent:      "coder",
		Summary:          "risky change",
		Status:           task.StatusPending,
		RequiresApproval: true,
		Priority:         task.PriorityNormal,
		CreatedAt:        base,
	}
	require.NoError(t, repo.Create(ctx, gated))
	free := newPendingTask(t, repo, "coder", task.PriorityNormal, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)
	assert.Equal(t, free.ID, res.Task.ID, "unapproved task must be skipped, not dispatched")
}

func TestDispatchNextNoPendingTasks(t *testing.T) {
	ch := &fakeChannel{}
	sched, _, _ := newTestScheduler(t, ch)

	res, err := sched.DispatchNext(context.Background(), "coder", "")
	require.NoError(t, err)
	assert.Equal(t, task.OutcomeNoPendingTasks, res.Outcome)
	assert.Equal(t, int64(0), ch.calls.Load())
}

func TestDispatchNextExplicitTask(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	newPendingTask(t, repo, "coder", task.PriorityNormal, base)
	second := newPendingTask(t, repo, "coder", task.PriorityNormal, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", second.ID)
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)
	assert.Equal(t, second.ID, res.Task.ID)
}

func TestDispatchNextExplicitTaskNotFound(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	res, err := sched.DispatchNext(ctx, "coder", ulid.Make().String())
	require.NoError(t, err)
	assert.Equal(t, task.OutcomeTaskNotFound, res.Outcome)

	// A task targeted at another agent is equally out of reach.
	other := newPendingTask(t, repo, "reviewer", task.PriorityNormal, time.Now())
	res, err = sched.DispatchNext(ctx, "coder", other.ID)
	require.NoError(t, err)
	assert.Equal(t, task.OutcomeTaskNotFound, res.Outcome)
}

func TestDispatchNextDeliveryFailureKeepsTaskPending(t *testing.T) {
	ch := &fakeChannel{fail: true}
	sched, repo, attempts := newTestScheduler(t, ch)
	ctx := context.Background()

	tk := newPendingTask(t, repo, "coder", task.PriorityNormal, time.Now().Add(-time.Hour))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	assert.Equal(t, task.OutcomeDeliveryFailed, res.Outcome)

	stored, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
	assert.Nil(t, stored.SentAt)

	// Failed attempts are still recorded.
	recorded, err := attempts.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Succeeded)
	assert.Equal(t, "fake", recorded[0].DeliveryMethod)
}

func TestDispatchNextRecordsSuccessfulAttempt(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, attempts := newTestScheduler(t, ch)
	ctx := context.Background()

	tk := newPendingTask(t, repo, "coder", task.PriorityNormal, time.Now().Add(-time.Hour))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)

	recorded, err := attempts.ListByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Succeeded)
	assert.Equal(t, "coder", recorded[0].Agent)
}

func TestCompleteCascadesIntoNextDispatch(t *testing.T) {
	ch := &fakeChannel{}
	s, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	tasks := taskimpl.NewYAMLRepository(s)
	attempts := attemptimpl.NewYAMLRepository(s)
	bus := eventbus.New()
	sched := NewScheduler(tasks, attempts, ch, bus)
	svc := task.NewService(tasks, bus)
	svc.SetDispatcher(sched)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := newPendingTask(t, tasks, "coder", task.PriorityNormal, base)
	second := newPendingTask(t, tasks, "coder", task.PriorityNormal, base.Add(time.Minute))

	res, err := sched.DispatchNext(ctx, "coder", "")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDispatched, res.Outcome)
	require.Equal(t, first.ID, res.Task.ID)

	resp, err := svc.Complete(ctx, first.ID, &task.CompleteRequest{
		Result: "done",
		Status: task.StatusCompleted,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Next)
	require.Equal(t, task.OutcomeDispatched, resp.Next.Outcome)
	assert.Equal(t, second.ID, resp.Next.Task.ID)

	stored, err := tasks.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSent, stored.Status)
}

func TestDispatchNextConcurrentSingleWinner(t *testing.T) {
	ch := &fakeChannel{}
	sched, repo, _ := newTestScheduler(t, ch)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		newPendingTask(t, repo, "coder", task.PriorityNormal, time.Now().Add(-time.Hour).Add(time.Duration(i)*time.Minute))
	}

	const callers = 16
	var dispatched atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sched.DispatchNext(ctx, "coder", "")
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == task.OutcomeDispatched {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), dispatched.Load(), "exactly one caller may win the dispatch")
	sent, err := repo.ListByTargetAndStatus(ctx, "coder", task.StatusSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}
