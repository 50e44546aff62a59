package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/taskrelay/taskrelay/internal/agent"
	"github.com/taskrelay/taskrelay/internal/attemptlog"
	"github.com/taskrelay/taskrelay/internal/task"
)

// Client calls the taskrelay HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) CreateTask(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]*task.Task, error) {
	var tasks []*task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListAttempts(ctx context.Context, taskID string) ([]*attemptlog.Attempt, error) {
	var attempts []*attemptlog.Attempt
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/attempts", nil, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (c *Client) ApproveTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+id+"/approve", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CompleteTask(ctx context.Context, id string, req *task.CompleteRequest) (*task.CompleteResponse, error) {
	var resp task.CompleteResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+id+"/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	var agents []*agent.Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) PendingTasks(ctx context.Context, agentName string) ([]*task.Task, error) {
	var tasks []*task.Task
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+agentName+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) Dispatch(ctx context.Context, agentName, taskID string) (*task.DispatchResult, error) {
	body := map[string]string{}
	if taskID != "" {
		body["task_id"] = taskID
	}
	var res task.DispatchResult
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+agentName+"/dispatch", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
