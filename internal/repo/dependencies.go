package repo

import (
	"context"
	"database/sql"

	"dispatch/internal/domain"
)

func scanDependency(row *sql.Row) (domain.Dependency, error) {
	var d domain.Dependency
	err := row.Scan(&d.ID, &d.TaskID, &d.DependsOnTaskID, &d.Type, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.Dependency) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_deps(id,task_id,depends_on_task_id,dep_type,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.TaskID, d.DependsOnTaskID, d.Type, d.CreatedAt)
	return err
}

func (r Repo) GetDependency(ctx context.Context, id string) (domain.Dependency, error) {
	return scanDependency(r.DB.QueryRowContext(ctx, `SELECT id,task_id,depends_on_task_id,dep_type,created_at FROM task_deps WHERE id=?`, id))
}

// FindDependency looks up an edge by its (task, depends_on, type) triple,
// which is unique.
func (r Repo) FindDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOnID, depType string) (domain.Dependency, error) {
	return scanDependency(r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,depends_on_task_id,dep_type,created_at FROM task_deps WHERE task_id=? AND depends_on_task_id=? AND dep_type=?`,
		taskID, dependsOnID, depType))
}

func (r Repo) DeleteDependency(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM task_deps WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDependencies returns all edges where the task is the source.
func (r Repo) ListDependencies(ctx context.Context, taskID string) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,depends_on_task_id,dep_type,created_at FROM task_deps WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnTaskID, &d.Type, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// BlocksEdges returns every blocks edge in the workspace as (task, depends_on)
// pairs. The cycle check traverses this set in memory; workspaces are small.
func (r Repo) BlocksEdges(ctx context.Context, tx *sql.Tx, workspaceID string) (map[string][]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.task_id, d.depends_on_task_id FROM task_deps d
JOIN tasks t ON t.id=d.task_id
WHERE d.dep_type='blocks' AND t.workspace_id=?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adjacency := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		adjacency[from] = append(adjacency[from], to)
	}
	return adjacency, rows.Err()
}

// IncompleteBlockers returns ids of blocks dependencies that are not yet
// completed; an empty result means the task can start.
func (r Repo) IncompleteBlockers(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.depends_on_task_id FROM task_deps d
JOIN tasks dep ON dep.id=d.depends_on_task_id
WHERE d.task_id=? AND d.dep_type='blocks' AND dep.status != 'completed'
ORDER BY d.created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
