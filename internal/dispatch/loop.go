package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskrelay/taskrelay/internal/agent"
	"github.com/taskrelay/taskrelay/internal/eventbus"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/pkg/panicerr"
)

const eventBufferSize = 64

// Loop drives dispatch in the background. It wakes on a fixed interval and
// additionally on lifecycle events that can make an agent eligible, then
// offers each known idle agent its next task. Dispatch stays best effort:
// errors are logged and the loop keeps running.
type Loop struct {
	scheduler *Scheduler
	registry  *agent.Registry
	bus       *eventbus.Bus
	interval  time.Duration
}

func NewLoop(scheduler *Scheduler, registry *agent.Registry, bus *eventbus.Bus, interval time.Duration) *Loop {
	return &Loop{
		scheduler: scheduler,
		registry:  registry,
		bus:       bus,
		interval:  interval,
	}
}

// Run blocks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	subID, events := l.bus.Subscribe(eventBufferSize)
	defer l.bus.Unsubscribe(subID)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	slog.Info("dispatch loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			l.pass(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeTaskCreated, eventbus.TypeTaskApproved:
				l.offer(ctx, ev.Agent)
			case eventbus.TypeTaskCompleted:
				// Complete already cascades in-request; this catches the
				// auto_dispatch=false case and races lost to a busy agent.
				l.offer(ctx, ev.Agent)
			}
		}
	}
}

// pass offers every known agent its next task.
func (l *Loop) pass(ctx context.Context) {
	agents, err := l.registry.List(ctx)
	if err != nil {
		slog.Warn("dispatch pass failed to list agents", "error", err)
		return
	}
	for _, a := range agents {
		l.offer(ctx, a.Name)
	}
}

func (l *Loop) offer(ctx context.Context, targetAgent string) {
	if targetAgent == "" {
		return
	}
	// The delivery channel is an injected implementation; a panic in it must
	// not take the loop down.
	var res *task.DispatchResult
	err := panicerr.Safe(func() error {
		var err error
		res, err = l.scheduler.DispatchNext(ctx, targetAgent, "")
		return err
	})()
	if err != nil {
		slog.Warn("background dispatch failed", "agent", targetAgent, "error", err)
		return
	}
	switch res.Outcome {
	case task.OutcomeDispatched:
		slog.Info("task dispatched", "agent", targetAgent, "task_id", res.Task.ID)
	case task.OutcomeDeliveryFailed:
		slog.Warn("task delivery failed", "agent", targetAgent, "task_id", res.Task.ID, "reason", res.Reason)
	}
}
