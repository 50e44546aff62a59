package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/agent"
	agentrepo "github.com/taskrelay/taskrelay/internal/agent/repositoryimpl"
	attemptrepo "github.com/taskrelay/taskrelay/internal/attemptlog/repositoryimpl"
	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/delivery"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/eventbus"
	notifyrepo "github.com/taskrelay/taskrelay/internal/notify/repositoryimpl"
	"github.com/taskrelay/taskrelay/internal/task"
	taskrepo "github.com/taskrelay/taskrelay/internal/task/repositoryimpl"
	"github.com/taskrelay/taskrelay/pkg/storage"
)

const testAPIKey = "test-key"

type acceptAllChannel struct{}

func (acceptAllChannel) Deliver(_ context.Context, _ *delivery.Request) (*delivery.Result, error) {
	return &delivery.Result{Method: "fake", Response: "202 Accepted"}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	bus := eventbus.New()
	tasks := taskrepo.NewYAMLRepository(store)
	attempts := attemptrepo.NewYAMLRepository(store)
	subs := notifyrepo.NewYAMLRepository(store)
	registry := agent.NewRegistry(agentrepo.NewYAMLRepository(store))

	svc := task.NewService(tasks, bus)
	scheduler := dispatch.NewScheduler(tasks, attempts, acceptAllChannel{}, bus)
	svc.SetDispatcher(scheduler)

	env := &config.Env{}
	env.APIKey = testAPIKey

	srv := httptest.NewServer(NewServer(env, svc, scheduler, registry, attempts, subs).routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresKey(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var created task.Task
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", &task.CreateRequest{
		CreatedBy:   "planner",
		TargetAgent: "coder",
		Summary:     "add retries to the uploader",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, task.StatusPending, created.Status)

	// Queue is visible in dispatch order.
	var pending []*task.Task
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/agents/coder/tasks", nil, &pending)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pending, 1)

	var dispatched task.DispatchResult
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/agents/coder/dispatch", nil, &dispatched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, task.OutcomeDispatched, dispatched.Outcome)
	assert.Equal(t, created.ID, dispatched.Task.ID)

	// The attempt is on record.
	var attempts []map[string]any
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+created.ID+"/attempts", nil, &attempts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, attempts, 1)

	var completed task.CompleteResponse
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+created.ID+"/complete", &task.CompleteRequest{
		Result: "merged in #12",
		Status: task.StatusCompleted,
	}, &completed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.StatusCompleted, completed.Task.Status)
	require.NotNil(t, completed.Next)
	assert.Equal(t, task.OutcomeNoPendingTasks, completed.Next.Outcome)
}

func TestDispatchRejectionsAreResultsNotErrors(t *testing.T) {
	srv := newTestServer(t)

	var res task.DispatchResult
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/agents/idle/dispatch", nil, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.OutcomeNoPendingTasks, res.Outcome)
}

func TestGetUnknownTaskIsNotFound(t *testing.T) {
	srv := newTestServer(t)

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/01UNKNOWN", nil, &apiErr)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", apiErr.Code)
}

func TestCreateTaskValidationError(t *testing.T) {
	srv := newTestServer(t)

	var apiErr struct {
		Code string `json:"code"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", &task.CreateRequest{
		CreatedBy:   "planner",
		TargetAgent: "coder",
	}, &apiErr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidArgument", apiErr.Code)
}

func TestCreateSubscription(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{
		"endpoint": "https://push.example.com/sub/123",
		"keys":     map[string]string{"p256dh": "pk", "auth": "ak"},
	}

	var first map[string]any
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/subscriptions", body, &first)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Same endpoint again returns the existing registration.
	var second map[string]any
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/subscriptions", body, &second)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["id"], second["id"])
}

func TestAgentsAppearAfterActivity(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/api/tasks", &task.CreateRequest{
		CreatedBy:   "planner",
		TargetAgent: "coder",
		Summary:     "anything",
	}, nil)

	var agents []map[string]any
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/agents", nil, &agents)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, fmt.Sprint(a["name"]))
	}
	assert.ElementsMatch(t, []string{"planner", "coder"}, names)
}
