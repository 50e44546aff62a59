package delivery

import "context"

// Request carries the rendered task content to push into an agent session.
type Request struct {
	TargetAgent string
	TaskID      string
	Content     string
}

// Result describes the attempt for the audit log.
type Result struct {
	Method   string
	Response string
}

// Channel is the one-way push into an agent's running session. A single
// call is one bounded attempt; the channel never retries. On failure the
// returned Result (when non-nil) still carries the raw response for
// diagnostics.
type Channel interface {
	Deliver(ctx context.Context, req *Request) (*Result, error)
}
