package task

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskrelay/taskrelay/internal/eventbus"
	"github.com/taskrelay/taskrelay/pkg/cerr"
)

type DispatchOutcome string

const (
	OutcomeDispatched     DispatchOutcome = "dispatched"
	OutcomeAgentBusy      DispatchOutcome = "agent_busy"
	OutcomeNoPendingTasks DispatchOutcome = "no_pending_tasks"
	OutcomeTaskNotFound   DispatchOutcome = "task_not_found"
	OutcomeDeliveryFailed DispatchOutcome = "delivery_failed"
)

// DispatchResult is the outcome of one dispatch decision. Rejections are
// normal scheduling results, not errors.
type DispatchResult struct {
	Outcome DispatchOutcome `json:"outcome"`
	Task    *Task           `json:"task,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Dispatcher hands the next eligible pending task to an agent. Implemented
// by the dispatch scheduler; declared here so Complete can cascade without
// the service depending on the scheduler package.
type Dispatcher interface {
	DispatchNext(ctx context.Context, targetAgent, explicitTaskID string) (*DispatchResult, error)
}

type CreateRequest struct {
	CreatedBy        string   `json:"created_by"`
	TargetAgent      string   `json:"target_agent"`
	Summary          string   `json:"summary"`
	IssueRef         string   `json:"issue_ref,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	Priority         Priority `json:"priority,omitempty"`
}

type CompleteRequest struct {
	Result       string `json:"result"`
	Status       Status `json:"status"`
	AutoDispatch *bool  `json:"auto_dispatch,omitempty"` // nil means true
}

type CompleteResponse struct {
	Task *Task           `json:"task"`
	Next *DispatchResult `json:"next,omitempty"`
}

// Service owns the task lifecycle: creation, approval, completion, and the
// auto-dispatch cascade. Status transitions go through the repository's
// conditional update, never through blind writes.
type Service struct {
	repo       Repository
	bus        *eventbus.Bus
	dispatcher Dispatcher
}

func NewService(repo Repository, bus *eventbus.Bus) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
	}
}

// SetDispatcher wires the scheduler in after construction; the scheduler
// itself is built on top of the same repository.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Task, error) {
	if req.Summary == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "summary must not be empty", nil)
	}
	if len(req.Summary) > MaxSummaryLength {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("summary exceeds %d bytes", MaxSummaryLength), nil)
	}
	if req.CreatedBy == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "created_by must not be empty", nil)
	}
	if req.TargetAgent == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "target_agent must not be empty", nil)
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if priority != PriorityNormal && priority != PriorityHigh {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}

	t := &Task{
		ID:               ulid.Make().String(),
		CreatedBy:        req.CreatedBy,
		TargetAgent:      req.TargetAgent,
		Summary:          req.Summary,
		IssueRef:         req.IssueRef,
		Status:           StatusPending,
		RequiresApproval: req.RequiresApproval,
		Priority:         priority,
		CreatedAt:        time.Now(),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	// Creation never dispatches; the background loop (or an explicit
	// dispatch call) picks the task up.
	s.bus.PublishNew(eventbus.TypeTaskCreated, t.ID, t.TargetAgent, t.Summary, map[string]string{
		"created_by": t.CreatedBy,
		"priority":   string(t.Priority),
	})
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]*Task, error) {
	return s.repo.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task id must not be empty", nil)
	}
	return s.repo.Get(ctx, id)
}

// PendingForAgent exposes the scheduler's queue ordering for visibility.
func (s *Service) PendingForAgent(ctx context.Context, targetAgent string) ([]*Task, error) {
	if targetAgent == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "agent name must not be empty", nil)
	}
	return s.repo.ListPending(ctx, targetAgent)
}

func (s *Service) Approve(ctx context.Context, id string) (*Task, error) {
	t, err := s.repo.UpdateStatusIf(ctx, id, StatusPending, func(t *Task) error {
		if !t.RequiresApproval {
			return cerr.NewError(cerr.FailedPrecondition, "task does not require approval", nil)
		}
		if t.ApprovedAt != nil {
			return cerr.NewError(cerr.FailedPrecondition, "task already approved", nil)
		}
		now := time.Now()
		t.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Approval only unlocks scheduler eligibility; delivery still runs
	// through the scheduler.
	s.bus.PublishNew(eventbus.TypeTaskApproved, t.ID, t.TargetAgent, t.Summary, nil)
	return t, nil
}

func (s *Service) Complete(ctx context.Context, id string, req *CompleteRequest) (*CompleteResponse, error) {
	if !req.Status.Terminal() {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("%q is not a terminal status", req.Status), nil)
	}

	t, err := s.repo.UpdateStatusIf(ctx, id, StatusSent, func(t *Task) error {
		now := time.Now()
		t.Status = req.Status
		t.Result = req.Result
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.PublishNew(eventbus.TypeTaskCompleted, t.ID, t.TargetAgent, t.Result, map[string]string{
		"status": string(t.Status),
	})

	resp := &CompleteResponse{Task: t}
	if req.AutoDispatch != nil && !*req.AutoDispatch {
		return resp, nil
	}
	if s.dispatcher == nil {
		return resp, nil
	}

	// Best effort: the completing agent is idle now, hand it the next task
	// in the same call. An empty queue is a normal outcome here.
	next, err := s.dispatcher.DispatchNext(ctx, t.TargetAgent, "")
	if err != nil {
		return nil, err
	}
	resp.Next = next
	return resp, nil
}
