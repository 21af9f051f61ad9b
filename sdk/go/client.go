package dispatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dispatch HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	WorkspaceID     string   `json:"workspace_id"`
	ParentID        *string  `json:"parent_id,omitempty"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	Type            string   `json:"type,omitempty"`
	Title           string   `json:"title"`
	Priority        string   `json:"priority"`
	Status          string   `json:"status"`
	ResultJSON      *string  `json:"result_json,omitempty"`
	Error           *string  `json:"error,omitempty"`
	ActualEffort    *float64 `json:"actual_effort,omitempty"`
}

// Agent represents a registered worker.
type Agent struct {
	ID           string   `json:"id"`
	WorkspaceID  string   `json:"workspace_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Dependency represents a directed edge.
type Dependency struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"type"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in the client's workspace.
func (c *Client) CreateTask(ctx context.Context, title string, fields map[string]any) (Task, error) {
	body := map[string]any{"title": title}
	for k, v := range fields {
		body[k] = v
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.workspacePath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RegisterAgent registers a worker in the client's workspace.
func (c *Client) RegisterAgent(ctx context.Context, id string, capabilities []string) (Agent, error) {
	body := map[string]any{"id": id, "capabilities": capabilities}
	var resp Agent
	err := c.do(ctx, http.MethodPost, c.workspacePath("agents"), body, &resp)
	return resp, err
}

// NextTask claims the best eligible task for an agent. Returns nil when
// nothing is eligible.
func (c *Client) NextTask(ctx context.Context, agentID string, capabilities []string) (*Task, error) {
	body := map[string]any{}
	if len(capabilities) > 0 {
		body["capabilities"] = capabilities
	}
	var resp struct {
		Task *Task `json:"task"`
	}
	endpoint := fmt.Sprintf("v0/agents/%s/next-task", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Task, err
}

// StartTask moves a task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

// CompleteTask completes a task with an optional result payload.
func (c *Client) CompleteTask(ctx context.Context, id string, result map[string]any) (Task, error) {
	body := map[string]any{}
	if result != nil {
		body["result"] = result
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

// FailTask marks a task failed.
func (c *Client) FailTask(ctx context.Context, id, errMsg string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/fail", map[string]any{"error": errMsg}, &resp)
	return resp, err
}

// AddDependency records that taskID depends on dependsOnID.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnID, depType string) (Dependency, error) {
	body := map[string]any{"depends_on_id": dependsOnID}
	if depType != "" {
		body["type"] = depType
	}
	var resp Dependency
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/dependencies", body, &resp)
	return resp, err
}

// CanStart reports whether a task's blocking dependencies are satisfied.
func (c *Client) CanStart(ctx context.Context, taskID string) (bool, []string, error) {
	var resp struct {
		CanStart   bool     `json:"can_start"`
		Incomplete []string `json:"incomplete"`
	}
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/can-start", nil, &resp)
	return resp.CanStart, resp.Incomplete, err
}

// Events returns recent workspace events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.workspacePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	workspace := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", workspace, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
