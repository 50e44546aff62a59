package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskrelay/taskrelay/internal/attemptlog"
	"github.com/taskrelay/taskrelay/internal/delivery"
	"github.com/taskrelay/taskrelay/internal/eventbus"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/pkg/cerr"
)

// Scheduler implements task.Dispatcher. One dispatch decision per agent runs
// at a time: the busy check, candidate selection, delivery attempt, and
// status transition all happen under that agent's lock, so two concurrent
// calls can never hand the same agent two active tasks.
type Scheduler struct {
	tasks    task.Repository
	attempts attemptlog.Repository
	channel  delivery.Channel
	bus      *eventbus.Bus

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
}

func NewScheduler(tasks task.Repository, attempts attemptlog.Repository, channel delivery.Channel, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		attempts:   attempts,
		channel:    channel,
		bus:        bus,
		agentLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) agentLock(targetAgent string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[targetAgent]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[targetAgent] = l
	}
	return l
}

// DispatchNext hands the agent its next task. With an explicit task id only
// that task is considered; otherwise the oldest dispatchable PENDING task
// wins, HIGH priority first. Rejections come back as a result, not an error:
// an idle agent with an empty queue is not a failure.
func (s *Scheduler) DispatchNext(ctx context.Context, targetAgent, explicitTaskID string) (*task.DispatchResult, error) {
	if targetAgent == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "agent name must not be empty", nil)
	}

	l := s.agentLock(targetAgent)
	l.Lock()
	defer l.Unlock()

	active, err := s.tasks.ListByTargetAndStatus(ctx, targetAgent, task.StatusSent)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return &task.DispatchResult{
			Outcome: task.OutcomeAgentBusy,
			Reason:  fmt.Sprintf("agent %s already has active task %s", targetAgent, active[0].ID),
		}, nil
	}

	candidate, result, err := s.selectCandidate(ctx, targetAgent, explicitTaskID)
	if err != nil || result != nil {
		return result, err
	}
	return s.deliver(ctx, candidate)
}

func (s *Scheduler) selectCandidate(ctx context.Context, targetAgent, explicitTaskID string) (*task.Task, *task.DispatchResult, error) {
	if explicitTaskID != "" {
		t, err := s.tasks.Get(ctx, explicitTaskID)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return nil, &task.DispatchResult{
					Outcome: task.OutcomeTaskNotFound,
					Reason:  fmt.Sprintf("task %s does not exist", explicitTaskID),
				}, nil
			}
			return nil, nil, err
		}
		if t.TargetAgent != targetAgent || t.Status != task.StatusPending || !task.IsDispatchable(t) {
			return nil, &task.DispatchResult{
				Outcome: task.OutcomeTaskNotFound,
				Reason:  fmt.Sprintf("task %s is not dispatchable to agent %s", explicitTaskID, targetAgent),
			}, nil
		}
		return t, nil, nil
	}

	pending, err := s.tasks.ListPending(ctx, targetAgent)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range pending {
		if task.IsDispatchable(t) {
			return t, nil, nil
		}
	}
	return nil, &task.DispatchResult{
		Outcome: task.OutcomeNoPendingTasks,
		Reason:  fmt.Sprintf("no dispatchable pending tasks for agent %s", targetAgent),
	}, nil
}

// deliver runs the single bounded delivery attempt and, on success, commits
// PENDING->SENT. Every attempt is logged, failed ones included; a failed
// attempt leaves the task PENDING for a later pass.
func (s *Scheduler) deliver(ctx context.Context, t *task.Task) (*task.DispatchResult, error) {
	now := time.Now()
	res, deliverErr := s.channel.Deliver(ctx, &delivery.Request{
		TargetAgent: t.TargetAgent,
		TaskID:      t.ID,
		Content:     t.RenderContent(),
	})

	attempt := &attemptlog.Attempt{
		ID:        ulid.Make().String(),
		TaskID:    t.ID,
		Agent:     t.TargetAgent,
		SentAt:    now,
		Succeeded: deliverErr == nil,
	}
	if res != nil {
		attempt.DeliveryMethod = res.Method
		attempt.Response = res.Response
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		slog.Warn("failed to record delivery attempt", "task_id", t.ID, "error", err)
	}

	if deliverErr != nil {
		return &task.DispatchResult{
			Outcome: task.OutcomeDeliveryFailed,
			Task:    t,
			Reason:  deliverErr.Error(),
		}, nil
	}

	sent, err := s.tasks.UpdateStatusIf(ctx, t.ID, task.StatusPending, func(t *task.Task) error {
		t.Status = task.StatusSent
		sentAt := now
		t.SentAt = &sentAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.PublishNew(eventbus.TypeTaskDispatched, sent.ID, sent.TargetAgent, sent.Summary, map[string]string{
		"delivery_method": attempt.DeliveryMethod,
	})
	return &task.DispatchResult{Outcome: task.OutcomeDispatched, Task: sent}, nil
}
