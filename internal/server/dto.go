package server

import (
	"dispatch/internal/domain"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID   *string `json:"id,omitempty"`
	Name *string `json:"name,omitempty"`
}

type RegisterAgentRequest struct {
	ID           *string  `json:"id,omitempty"`
	Name         *string  `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type CreateTaskRequest struct {
	ID               *string        `json:"id,omitempty"`
	ParentID         *string        `json:"parent_id,omitempty"`
	CreatedByAgentID *string        `json:"created_by_agent_id,omitempty"`
	AssignedUserID   *string        `json:"assigned_user_id,omitempty"`
	Type             string         `json:"type,omitempty"`
	Title            string         `json:"title"`
	Description      *string        `json:"description,omitempty"`
	Priority         *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Context          map[string]any `json:"context,omitempty"`
	Requirements     []any          `json:"requirements,omitempty"`
	EstimatedEffort  *float64       `json:"estimated_effort,omitempty"`
	DueAt            *string        `json:"due_at,omitempty" format:"date-time"`
	DependsOn        []string       `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Title           *string         `json:"title,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Type            *string         `json:"type,omitempty"`
	Priority        *string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssignedAgentID *string         `json:"assigned_agent_id,omitempty"`
	AssignedUserID  *string         `json:"assigned_user_id,omitempty"`
	ParentID        *string         `json:"parent_id,omitempty"`
	Context         *map[string]any `json:"context,omitempty"`
	Requirements    *[]any          `json:"requirements,omitempty"`
	EstimatedEffort *float64        `json:"estimated_effort,omitempty"`
	ActualEffort    *float64        `json:"actual_effort,omitempty"`
	DueAt           *string         `json:"due_at,omitempty" format:"date-time"`
}

type AddDependencyRequest struct {
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type,omitempty" enum:"blocks,related"`
}

type CompleteTaskRequest struct {
	Result       map[string]any `json:"result,omitempty"`
	ActualEffort *float64       `json:"actual_effort,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason"`
}

type NextTaskRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

type SubtaskDraftRequest struct {
	Type            string         `json:"type,omitempty"`
	Title           string         `json:"title"`
	Description     *string        `json:"description,omitempty"`
	Priority        *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Context         map[string]any `json:"context,omitempty"`
	Requirements    []any          `json:"requirements,omitempty"`
	EstimatedEffort *float64       `json:"estimated_effort,omitempty"`
	DueAt           *string        `json:"due_at,omitempty" format:"date-time"`
}

type CreateSubtasksRequest struct {
	Tasks []SubtaskDraftRequest `json:"tasks"`
}

// Response payloads

type workspaceList struct {
	Items []domain.Workspace `json:"items"`
}

type agentList struct {
	Items []domain.Agent `json:"items"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type dependencyList struct {
	Items []domain.Dependency `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type canStartResponse struct {
	CanStart   bool     `json:"can_start"`
	Incomplete []string `json:"incomplete,omitempty"`
}

// NextTaskResponse carries a null task when nothing is eligible.
type NextTaskResponse struct {
	Task *domain.Task `json:"task"`
}

type statusSummary struct {
	WorkspaceID string         `json:"workspace_id"`
	Tasks       map[string]int `json:"tasks"`
}
