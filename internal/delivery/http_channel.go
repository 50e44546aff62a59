package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/pkg/cerr"
)

const (
	methodHTTP = "http"

	// Responses are kept for the attempt log, not for humans reading
	// megabytes of HTML error pages.
	maxResponseBytes = 2048
)

type promptRequest struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

// HTTPChannel pushes task content into an agent session over the session
// API. One Deliver call is exactly one POST with a fixed timeout.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
}

func NewHTTPChannel(baseURL string, timeout time.Duration) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChannel) Deliver(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(&promptRequest{TaskID: req.TaskID, Prompt: req.Content})
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to encode prompt request", err)
	}

	url := fmt.Sprintf("%s/sessions/%s/prompt", c.baseURL, req.TargetAgent)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to build prompt request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &Result{Method: methodHTTP, Response: err.Error()},
			cerr.NewError(cerr.Unavailable,
				fmt.Sprintf("failed to deliver task %s to agent %s", req.TaskID, req.TargetAgent), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	response := strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{Method: methodHTTP, Response: response},
			cerr.NewError(cerr.Unavailable,
				fmt.Sprintf("session API rejected task %s for agent %s: %s", req.TaskID, req.TargetAgent, resp.Status), nil)
	}
	return &Result{Method: methodHTTP, Response: response}, nil
}
