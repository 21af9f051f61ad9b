package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/events"
	"dispatch/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateWorkspace registers a tenant. Workspaces hold tasks, agents and edges;
// every query below is scoped to one.
func (e Engine) CreateWorkspace(ctx context.Context, id, name, actorID string) (domain.Workspace, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if name == "" {
		name = id
	}
	w := domain.Workspace{ID: id, Name: name, CreatedAt: e.nowString()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "workspace.created", w.ID, "workspace", w.ID, actorID, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// AgentRegisterOptions are parameters for registering a worker.
type AgentRegisterOptions struct {
	ID           string
	WorkspaceID  string
	Name         string
	Capabilities []string
	ActorID      string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if opts.WorkspaceID == "" {
		return domain.Agent{}, fmt.Errorf("%w: workspace is required", ErrInvalidArgument)
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Agent{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.Agent{
		ID:           id,
		WorkspaceID:  opts.WorkspaceID,
		Name:         opts.Name,
		Capabilities: opts.Capabilities,
		CreatedAt:    e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", a.WorkspaceID, "agent", a.ID, opts.ActorID, events.EventPayload{"name": a.Name}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID               string
	WorkspaceID      string
	ParentID         string
	CreatedByAgentID string
	AssignedUserID   string
	Type             string
	Title            string
	Description      string
	Priority         string
	ContextJSON      *string
	RequirementsJSON *string
	EstimatedEffort  *float64
	DueAt            string
	DependsOn        []string
	ActorID          string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if opts.WorkspaceID == "" {
		return domain.Task{}, fmt.Errorf("%w: workspace is required", ErrInvalidArgument)
	}
	if opts.Type == "" {
		opts.Type = e.Config.Defaults.Type
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.DefaultPriority()
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("%w: unknown priority %s", ErrInvalidArgument, opts.Priority)
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Task{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.WorkspaceID != opts.WorkspaceID {
			return domain.Task{}, fmt.Errorf("%w: parent in different workspace", ErrInvalidArgument)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	t := domain.Task{
		ID:               id,
		WorkspaceID:      opts.WorkspaceID,
		ParentID:         optionalString(opts.ParentID),
		CreatedByAgentID: optionalString(opts.CreatedByAgentID),
		AssignedUserID:   optionalString(opts.AssignedUserID),
		Type:             opts.Type,
		Title:            opts.Title,
		Description:      opts.Description,
		Priority:         opts.Priority,
		Status:           domain.StatusPending,
		ContextJSON:      opts.ContextJSON,
		RequirementsJSON: opts.RequirementsJSON,
		EstimatedEffort:  opts.EstimatedEffort,
		DueAt:            optionalString(opts.DueAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	for _, dep := range opts.DependsOn {
		depTask, err := e.Repo.GetTaskTx(ctx, tx, dep)
		if err != nil {
			return domain.Task{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if _, err := e.addDependencyTx(ctx, tx, t, depTask, domain.DepBlocks, opts.ActorID); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.WorkspaceID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title":    t.Title,
		"priority": t.Priority,
		"status":   t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed partial updates. Status changes go
// through the lifecycle operations, not here.
type TaskUpdateOptions struct {
	ID               string
	Title            *string
	Description      *string
	Type             *string
	Priority         *string
	AssignedAgentID  *string
	AssignedUserID   *string
	ParentID         *string
	ContextJSON      *string
	RequirementsJSON *string
	EstimatedEffort  *float64
	ActualEffort     *float64
	DueAt            *string
	ActorID          string
}

func (o TaskUpdateOptions) empty() bool {
	return o.Title == nil && o.Description == nil && o.Type == nil && o.Priority == nil &&
		o.AssignedAgentID == nil && o.AssignedUserID == nil && o.ParentID == nil &&
		o.ContextJSON == nil && o.RequirementsJSON == nil &&
		o.EstimatedEffort == nil && o.ActualEffort == nil && o.DueAt == nil
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.empty() {
		return domain.Task{}, fmt.Errorf("%w: no fields to update", ErrInvalidArgument)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, fmt.Errorf("%w: title cannot be empty", ErrInvalidArgument)
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Type != nil {
		t.Type = *opts.Type
	}
	if opts.Priority != nil {
		if !domain.ValidPriority(*opts.Priority) {
			return t, fmt.Errorf("%w: unknown priority %s", ErrInvalidArgument, *opts.Priority)
		}
		t.Priority = *opts.Priority
	}
	if opts.AssignedAgentID != nil && opts.AssignedUserID != nil && *opts.AssignedAgentID != "" && *opts.AssignedUserID != "" {
		return t, fmt.Errorf("%w: a task takes one assignee, agent or user", ErrInvalidArgument)
	}
	if opts.AssignedAgentID != nil {
		if *opts.AssignedAgentID == "" {
			t.AssignedAgentID = nil
		} else {
			if _, err := e.Repo.GetAgent(ctx, *opts.AssignedAgentID); err != nil {
				return t, fmt.Errorf("agent %s: %w", *opts.AssignedAgentID, err)
			}
			t.AssignedAgentID = opts.AssignedAgentID
			t.AssignedUserID = nil
		}
	}
	if opts.AssignedUserID != nil {
		if *opts.AssignedUserID == "" {
			t.AssignedUserID = nil
		} else {
			t.AssignedUserID = opts.AssignedUserID
			t.AssignedAgentID = nil
		}
	}
	if opts.ParentID != nil {
		if *opts.ParentID == "" {
			t.ParentID = nil
		} else {
			parent, err := e.Repo.GetTaskTx(ctx, tx, *opts.ParentID)
			if err != nil {
				return t, fmt.Errorf("parent %s: %w", *opts.ParentID, err)
			}
			if parent.WorkspaceID != t.WorkspaceID {
				return t, fmt.Errorf("%w: parent in different workspace", ErrInvalidArgument)
			}
			if err := e.ensureNoHierarchyCycle(ctx, tx, *opts.ParentID, t.ID); err != nil {
				return t, err
			}
			t.ParentID = opts.ParentID
		}
	}
	if opts.ContextJSON != nil {
		t.ContextJSON = opts.ContextJSON
	}
	if opts.RequirementsJSON != nil {
		t.RequirementsJSON = opts.RequirementsJSON
	}
	if opts.EstimatedEffort != nil {
		t.EstimatedEffort = opts.EstimatedEffort
	}
	if opts.ActualEffort != nil {
		t.ActualEffort = opts.ActualEffort
	}
	if opts.DueAt != nil {
		t.DueAt = optionalString(*opts.DueAt)
	}
	t.UpdatedAt = e.nowString()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.WorkspaceID, "task", t.ID, opts.ActorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// DeleteTask removes a task; subtasks and edges referencing it cascade away.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", t.WorkspaceID, "task", t.ID, actorID, events.EventPayload{"title": t.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureNoHierarchyCycle climbs the parent chain from parentID and rejects
// reparenting that would make childID its own ancestor.
func (e Engine) ensureNoHierarchyCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("%w: task cannot be its own parent", ErrInvalidArgument)
	}
	cur := parentID
	for cur != "" {
		t, err := e.Repo.GetTaskTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		if t.ParentID == nil {
			return nil
		}
		if *t.ParentID == childID {
			return fmt.Errorf("%w: task hierarchy cycle", ErrInvalidArgument)
		}
		cur = *t.ParentID
	}
	return nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
