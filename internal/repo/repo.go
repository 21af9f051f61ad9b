package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dispatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a transaction without duplicate methods.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- workspaces ---

func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workspaces(id,name,created_at) VALUES (?,?,?)`,
		w.ID, w.Name, w.CreatedAt)
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var w domain.Workspace
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM workspaces WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM workspaces ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var w domain.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- agents ---

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	caps, err := marshalStringSlice(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,workspace_id,name,capabilities_json,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.WorkspaceID, nullable(a.Name), nullableStringPtr(caps), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var name, caps sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,capabilities_json,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.WorkspaceID, &name, &caps, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if name.Valid {
		a.Name = name.String
	}
	if caps.Valid {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return a, fmt.Errorf("agent %s capabilities: %w", id, err)
		}
	}
	return a, nil
}

func (r Repo) ListAgents(ctx context.Context, workspaceID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,name,capabilities_json,created_at FROM agents WHERE workspace_id=? ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var name, caps sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &name, &caps, &a.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			a.Name = name.String
		}
		if caps.Valid {
			if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
				return nil, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,workspace_id,parent_id,created_by_agent_id,assigned_agent_id,assigned_user_id,type,title,description,priority,status,context_json,requirements_json,result_json,error,estimated_effort,actual_effort,due_at,created_at,updated_at,started_at,completed_at`

// priorityOrder is the shared list ordering: priority tier descending, then
// oldest first. The scheduler relies on list and selection agreeing on this.
const priorityOrder = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END ASC, created_at ASC, id ASC`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(s taskScanner) (domain.Task, error) {
	var t domain.Task
	var parentID, createdBy, agentID, userID, typ, description, ctxJSON, reqJSON, resJSON, errStr, dueAt, startedAt, completedAt sql.NullString
	var estimated, actual sql.NullFloat64
	err := s.Scan(&t.ID, &t.WorkspaceID, &parentID, &createdBy, &agentID, &userID, &typ, &t.Title, &description,
		&t.Priority, &t.Status, &ctxJSON, &reqJSON, &resJSON, &errStr, &estimated, &actual, &dueAt,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if createdBy.Valid {
		t.CreatedByAgentID = &createdBy.String
	}
	if agentID.Valid {
		t.AssignedAgentID = &agentID.String
	}
	if userID.Valid {
		t.AssignedUserID = &userID.String
	}
	if typ.Valid {
		t.Type = typ.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if ctxJSON.Valid {
		t.ContextJSON = &ctxJSON.String
	}
	if reqJSON.Valid {
		t.RequirementsJSON = &reqJSON.String
	}
	if resJSON.Valid {
		t.ResultJSON = &resJSON.String
	}
	if errStr.Valid {
		t.Error = &errStr.String
	}
	if estimated.Valid {
		t.EstimatedEffort = &estimated.Float64
	}
	if actual.Valid {
		t.ActualEffort = &actual.Float64
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkspaceID, nullableStringPtr(t.ParentID), nullableStringPtr(t.CreatedByAgentID),
		nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.AssignedUserID), nullable(t.Type), t.Title,
		nullable(t.Description), t.Priority, t.Status, nullableStringPtr(t.ContextJSON), nullableStringPtr(t.RequirementsJSON),
		nullableStringPtr(t.ResultJSON), nullableStringPtr(t.Error), nullableFloatPtr(t.EstimatedEffort), nullableFloatPtr(t.ActualEffort),
		nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateTask rewrites the mutable columns of a task row.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET parent_id=?, assigned_agent_id=?, assigned_user_id=?, type=?, title=?, description=?, priority=?, status=?, context_json=?, requirements_json=?, result_json=?, error=?, estimated_effort=?, actual_effort=?, due_at=?, updated_at=?, started_at=?, completed_at=? WHERE id=?`,
		nullableStringPtr(t.ParentID), nullableStringPtr(t.AssignedAgentID), nullableStringPtr(t.AssignedUserID),
		nullable(t.Type), t.Title, nullable(t.Description), t.Priority, t.Status,
		nullableStringPtr(t.ContextJSON), nullableStringPtr(t.RequirementsJSON), nullableStringPtr(t.ResultJSON),
		nullableStringPtr(t.Error), nullableFloatPtr(t.EstimatedEffort), nullableFloatPtr(t.ActualEffort),
		nullableStringPtr(t.DueAt), t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskIfStatus rewrites the row only while its status still matches
// expect. Returns false when a concurrent transition won.
func (r Repo) UpdateTaskIfStatus(ctx context.Context, tx *sql.Tx, t domain.Task, expect string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, error=?, actual_effort=?, updated_at=?, started_at=?, completed_at=? WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.ResultJSON), nullableStringPtr(t.Error), nullableFloatPtr(t.ActualEffort),
		t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID, expect)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimTask assigns the agent iff the task is still an unassigned pending
// task. Returns false when another claimer got there first.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, taskID, agentID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET assigned_agent_id=?, updated_at=? WHERE id=? AND assigned_agent_id IS NULL AND assigned_user_id IS NULL AND status='pending'`,
		agentID, now, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	WorkspaceID      string
	Statuses         []string
	Priorities       []string
	Types            []string
	AssignedAgentIDs []string
	AssignedUserIDs  []string
	Unassigned       bool
	ParentID         string
	NoParent         bool
	DueBefore        string
	DueAfter         string
	Limit            int
}

func inClause(column string, values []string, clauses *[]string, args *[]any) {
	if len(values) == 0 {
		return
	}
	marks := strings.Repeat("?,", len(values))
	*clauses = append(*clauses, fmt.Sprintf("%s IN (%s)", column, marks[:len(marks)-1]))
	for _, v := range values {
		*args = append(*args, v)
	}
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	inClause("status", f.Statuses, &clauses, &args)
	inClause("priority", f.Priorities, &clauses, &args)
	inClause("type", f.Types, &clauses, &args)
	inClause("assigned_agent_id", f.AssignedAgentIDs, &clauses, &args)
	inClause("assigned_user_id", f.AssignedUserIDs, &clauses, &args)
	if f.Unassigned {
		clauses = append(clauses, "assigned_agent_id IS NULL AND assigned_user_id IS NULL")
	}
	if f.NoParent {
		clauses = append(clauses, "parent_id IS NULL")
	} else if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.DueBefore != "" {
		clauses = append(clauses, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, f.DueBefore)
	}
	if f.DueAfter != "" {
		clauses = append(clauses, "due_at IS NOT NULL AND due_at >= ?")
		args = append(args, f.DueAfter)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + priorityOrder
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type NextTaskFilters struct {
	WorkspaceID  string
	Capabilities []string
}

// NextCandidate returns the head of the eligible set: pending, unassigned,
// startable, capability-matched, highest priority then oldest.
func (r Repo) NextCandidate(ctx context.Context, tx *sql.Tx, f NextTaskFilters) (domain.Task, error) {
	clauses := []string{
		"workspace_id=?",
		"status='pending'",
		"assigned_agent_id IS NULL",
		"assigned_user_id IS NULL",
		`NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks dep ON dep.id=d.depends_on_task_id
			WHERE d.task_id=tasks.id AND d.dep_type='blocks' AND dep.status != 'completed'
		)`,
	}
	args := []any{f.WorkspaceID}
	if len(f.Capabilities) > 0 {
		marks := strings.Repeat("?,", len(f.Capabilities))
		clauses = append(clauses, fmt.Sprintf("(type IS NULL OR type='' OR type IN (%s))", marks[:len(marks)-1]))
		for _, c := range f.Capabilities {
			args = append(args, c)
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + priorityOrder + ` LIMIT 1`
	return scanTask(r.q(tx).QueryRowContext(ctx, query, args...))
}

// ListSubtasks returns direct children ordered by creation time.
func (r Repo) ListSubtasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, workspaceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE workspace_id=? GROUP BY status`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
