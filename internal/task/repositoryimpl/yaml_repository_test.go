package repositoryimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/pkg/cerr"
	"github.com/taskrelay/taskrelay/pkg/storage"
)

func newTestRepository(t *testing.T) *YAMLRepository {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(s)
}

func newTask(targetAgent string, priority task.Priority, createdAt time.Time) *task.Task {
	return &task.Task{
		ID:          ulid.Make().String(),
		CreatedBy:   "planner",
		TargetAgent: targetAgent,
		Summary:     "do the thing",
		Status:      task.StatusPending,
		Priority:    priority,
		CreatedAt:   createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tk := newTask("coder", task.PriorityNormal, time.Now())
	require.NoError(t, repo.Create(ctx, tk))

	got, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Summary, got.Summary)

	// Duplicate ids are rejected.
	err = repo.Create(ctx, tk)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestGetNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Get(context.Background(), ulid.Make().String())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestListPendingOrdering(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	oldNormal := newTask("coder", task.PriorityNormal, base)
	newNormal := newTask("coder", task.PriorityNormal, base.Add(10*time.Minute))
	lateHigh := newTask("coder", task.PriorityHigh, base.Add(20*time.Minute))
	otherAgent := newTask("reviewer", task.PriorityHigh, base)
	require.NoError(t, repo.Create(ctx, oldNormal))
	require.NoError(t, repo.Create(ctx, newNormal))
	require.NoError(t, repo.Create(ctx, lateHigh))
	require.NoError(t, repo.Create(ctx, otherAgent))

	pending, err := repo.ListPending(ctx, "coder")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, lateHigh.ID, pending[0].ID, "HIGH priority bypasses older NORMAL tasks")
	assert.Equal(t, oldNormal.ID, pending[1].ID)
	assert.Equal(t, newNormal.ID, pending[2].ID)
}

func TestListPendingExcludesNonPending(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tk := newTask("coder", task.PriorityNormal, time.Now())
	require.NoError(t, repo.Create(ctx, tk))
	_, err := repo.UpdateStatusIf(ctx, tk.ID, task.StatusPending, func(tk *task.Task) error {
		tk.Status = task.StatusSent
		return nil
	})
	require.NoError(t, err)

	pending, err := repo.ListPending(ctx, "coder")
	require.NoError(t, err)
	assert.Empty(t, pending)

	sent, err := repo.ListByTargetAndStatus(ctx, "coder", task.StatusSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestUpdateStatusIfRejectsStaleStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tk := newTask("coder", task.PriorityNormal, time.Now())
	require.NoError(t, repo.Create(ctx, tk))

	_, err := repo.UpdateStatusIf(ctx, tk.ID, task.StatusSent, func(tk *task.Task) error {
		tk.Status = task.StatusCompleted
		return nil
	})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestUpdateStatusIfSingleWinner(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tk := newTask("coder", task.PriorityNormal, time.Now())
	require.NoError(t, repo.Create(ctx, tk))

	const callers = 16
	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateStatusIf(ctx, tk.ID, task.StatusPending, func(tk *task.Task) error {
				tk.Status = task.StatusSent
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "only one caller may commit the transition")
}

func TestUpdateStatusIfMutateErrorLeavesTaskUntouched(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	tk := newTask("coder", task.PriorityNormal, time.Now())
	require.NoError(t, repo.Create(ctx, tk))

	_, err := repo.UpdateStatusIf(ctx, tk.ID, task.StatusPending, func(tk *task.Task) error {
		return cerr.NewError(cerr.FailedPrecondition, "nope", nil)
	})
	require.Error(t, err)

	got, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestListNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	older := newTask("coder", task.PriorityNormal, base)
	newer := newTask("reviewer", task.PriorityNormal, base.Add(time.Minute))
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
	assert.Equal(t, older.ID, all[1].ID)
}
