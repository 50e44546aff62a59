package task

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// CanTransitionTo encodes the one-directional lifecycle:
// PENDING -> SENT -> {COMPLETED, FAILED, BLOCKED}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent
	case StatusSent:
		return next.Terminal()
	}
	return false
}

type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// MaxSummaryLength bounds the task summary; tasks carry a short description,
// never arbitrary payloads.
const MaxSummaryLength = 4096

// Task is one unit of work handed from one agent to another.
type Task struct {
	ID               string     `yaml:"id" json:"id"`
	CreatedBy        string     `yaml:"created_by" json:"created_by"`
	TargetAgent      string     `yaml:"target_agent" json:"target_agent"`
	Summary          string     `yaml:"summary" json:"summary"`
	IssueRef         string     `yaml:"issue_ref,omitempty" json:"issue_ref,omitempty"`
	Status           Status     `yaml:"status" json:"status"`
	RequiresApproval bool       `yaml:"requires_approval" json:"requires_approval"`
	Priority         Priority   `yaml:"priority" json:"priority"`
	Result           string     `yaml:"result,omitempty" json:"result,omitempty"`
	CreatedAt        time.Time  `yaml:"created_at" json:"created_at"`
	ApprovedAt       *time.Time `yaml:"approved_at,omitempty" json:"approved_at,omitempty"`
	SentAt           *time.Time `yaml:"sent_at,omitempty" json:"sent_at,omitempty"`
	CompletedAt      *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// RenderContent builds the prompt text pushed into the target agent's
// session on dispatch.
func (t *Task) RenderContent() string {
	content := fmt.Sprintf("[taskrelay] Task %s from %s:\n%s", t.ID, t.CreatedBy, t.Summary)
	if t.IssueRef != "" {
		content += fmt.Sprintf("\n\nIssue: %s", t.IssueRef)
	}
	return content
}
