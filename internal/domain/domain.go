package domain

// Task statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBlocked    = "blocked"
	StatusCancelled  = "cancelled"
)

// Priorities, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Dependency edge kinds. Only blocks edges gate startability.
const (
	DepBlocks  = "blocks"
	DepRelated = "related"
)

// PriorityRank orders priorities for scheduling; lower rank schedules first.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// ValidPriority reports whether p is a known priority tier.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TerminalStatus reports whether no further transitions are legal from s.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Agent is a worker that polls for and executes tasks. Capabilities is the
// default capability set used when a poll does not supply one.
type Agent struct {
	ID           string   `json:"id"`
	WorkspaceID  string   `json:"workspace_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               string   `json:"id"`
	WorkspaceID      string   `json:"workspace_id"`
	ParentID         *string  `json:"parent_id,omitempty"`
	CreatedByAgentID *string  `json:"created_by_agent_id,omitempty"`
	AssignedAgentID  *string  `json:"assigned_agent_id,omitempty"`
	AssignedUserID   *string  `json:"assigned_user_id,omitempty"`
	Type             string   `json:"type,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority" enum:"low,medium,high,critical"`
	Status           string   `json:"status" enum:"pending,in_progress,completed,failed,blocked,cancelled"`
	ContextJSON      *string  `json:"context_json,omitempty"`
	RequirementsJSON *string  `json:"requirements_json,omitempty"`
	ResultJSON       *string  `json:"result_json,omitempty"`
	Error            *string  `json:"error,omitempty"`
	EstimatedEffort  *float64 `json:"estimated_effort,omitempty"`
	ActualEffort     *float64 `json:"actual_effort,omitempty"`
	DueAt            *string  `json:"due_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	StartedAt        *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Dependency is a directed edge: TaskID depends on DependsOnTaskID.
type Dependency struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"type" enum:"blocks,related"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}
