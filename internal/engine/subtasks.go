package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dispatch/internal/domain"
	"dispatch/internal/events"
)

// SubtaskDraft describes one child task to create under a parent.
type SubtaskDraft struct {
	Type             string
	Title            string
	Description      string
	Priority         string
	ContextJSON      *string
	RequirementsJSON *string
	EstimatedEffort  *float64
	DueAt            string
}

// CreateSubtasks creates children under a parent task, all in the parent's
// workspace. Hierarchy and blocking are orthogonal: no blocks edges are
// created between siblings or toward the parent; callers wanting ordered
// subtasks add explicit edges.
func (e Engine) CreateSubtasks(ctx context.Context, parentID string, drafts []SubtaskDraft, actorID string) ([]domain.Task, error) {
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: at least one subtask is required", ErrInvalidArgument)
	}
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	created := make([]domain.Task, 0, len(drafts))
	for _, d := range drafts {
		if d.Title == "" {
			return nil, fmt.Errorf("%w: subtask title is required", ErrInvalidArgument)
		}
		if d.Type == "" && e.Config != nil {
			d.Type = e.Config.Defaults.Type
		}
		if d.Priority == "" {
			d.Priority = parent.Priority
		}
		if !domain.ValidPriority(d.Priority) {
			return nil, fmt.Errorf("%w: unknown priority %s", ErrInvalidArgument, d.Priority)
		}
		t := domain.Task{
			ID:               uuid.New().String(),
			WorkspaceID:      parent.WorkspaceID,
			ParentID:         &parent.ID,
			Type:             d.Type,
			Title:            d.Title,
			Description:      d.Description,
			Priority:         d.Priority,
			Status:           domain.StatusPending,
			ContextJSON:      d.ContextJSON,
			RequirementsJSON: d.RequirementsJSON,
			EstimatedEffort:  d.EstimatedEffort,
			DueAt:            optionalString(d.DueAt),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "task.created", t.WorkspaceID, "task", t.ID, actorID, events.EventPayload{
			"title":     t.Title,
			"parent_id": parent.ID,
			"priority":  t.Priority,
			"status":    t.Status,
		}); err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// Subtasks lists a task's direct children in creation order.
func (e Engine) Subtasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetTask(ctx, parentID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubtasks(ctx, parentID)
}
