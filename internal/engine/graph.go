package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dispatch/internal/domain"
	"dispatch/internal/events"
	"dispatch/internal/repo"
)

// AddDependency records that taskID depends on dependsOnID. For blocks edges
// the cycle check and the insert share one transaction, so two concurrent
// inserts cannot both pass the check and close a cycle. Re-adding an existing
// edge returns it unchanged.
func (e Engine) AddDependency(ctx context.Context, taskID, dependsOnID, depType, actorID string) (domain.Dependency, error) {
	if depType == "" {
		depType = domain.DepBlocks
	}
	if depType != domain.DepBlocks && depType != domain.DepRelated {
		return domain.Dependency{}, fmt.Errorf("%w: unknown dependency type %s", ErrInvalidArgument, depType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dependency{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Dependency{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	dependsOn, err := e.Repo.GetTaskTx(ctx, tx, dependsOnID)
	if err != nil {
		return domain.Dependency{}, fmt.Errorf("task %s: %w", dependsOnID, err)
	}
	d, err := e.addDependencyTx(ctx, tx, task, dependsOn, depType, actorID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dependency{}, err
	}
	return d, nil
}

func (e Engine) addDependencyTx(ctx context.Context, tx *sql.Tx, task, dependsOn domain.Task, depType, actorID string) (domain.Dependency, error) {
	if task.ID == dependsOn.ID {
		return domain.Dependency{}, fmt.Errorf("%w: task %s cannot depend on itself", ErrCircularDependency, task.ID)
	}
	if task.WorkspaceID != dependsOn.WorkspaceID {
		return domain.Dependency{}, fmt.Errorf("%w: dependency crosses workspaces", ErrInvalidArgument)
	}
	existing, err := e.Repo.FindDependency(ctx, tx, task.ID, dependsOn.ID, depType)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dependency{}, err
	}
	if depType == domain.DepBlocks {
		adjacency, err := e.Repo.BlocksEdges(ctx, tx, task.WorkspaceID)
		if err != nil {
			return domain.Dependency{}, err
		}
		if reaches(adjacency, dependsOn.ID, task.ID) {
			return domain.Dependency{}, fmt.Errorf("%w: %s already reaches %s through blocks edges", ErrCircularDependency, dependsOn.ID, task.ID)
		}
	}
	d := domain.Dependency{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		DependsOnTaskID: dependsOn.ID,
		Type:            depType,
		CreatedAt:       e.nowString(),
	}
	if err := e.Repo.InsertDependency(ctx, tx, d); err != nil {
		return domain.Dependency{}, err
	}
	if err := e.Events.Append(ctx, tx, "dependency.added", task.WorkspaceID, "dependency", d.ID, actorID, events.EventPayload{
		"task_id":       d.TaskID,
		"depends_on_id": d.DependsOnTaskID,
		"type":          d.Type,
	}); err != nil {
		return domain.Dependency{}, err
	}
	return d, nil
}

// reaches walks blocks edges breadth-first from start looking for target.
func reaches(adjacency map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// RemoveDependency deletes an edge by id.
func (e Engine) RemoveDependency(ctx context.Context, edgeID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDependency(ctx, edgeID)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, d.TaskID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteDependency(ctx, tx, edgeID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "dependency.removed", t.WorkspaceID, "dependency", d.ID, actorID, events.EventPayload{
		"task_id":       d.TaskID,
		"depends_on_id": d.DependsOnTaskID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Dependencies returns the edges where taskID is the source.
func (e Engine) Dependencies(ctx context.Context, taskID string) ([]domain.Dependency, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListDependencies(ctx, taskID)
}

// CanStart reports whether every blocks dependency of the task is completed,
// along with the ids of those that are not. It reads the live edge set.
func (e Engine) CanStart(ctx context.Context, taskID string) (bool, []string, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return false, nil, err
	}
	incomplete, err := e.Repo.IncompleteBlockers(ctx, nil, taskID)
	if err != nil {
		return false, nil, err
	}
	return len(incomplete) == 0, incomplete, nil
}
