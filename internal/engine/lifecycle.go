package engine

import (
	"context"
	"database/sql"

	"dispatch/internal/domain"
	"dispatch/internal/events"
)

// transitionSources maps a target status to the statuses it may be entered
// from. Completed, failed and cancelled are terminal: nothing leaves them.
var transitionSources = map[string][]string{
	domain.StatusInProgress: {domain.StatusPending, domain.StatusBlocked},
	domain.StatusCompleted:  {domain.StatusInProgress},
	domain.StatusFailed:     {domain.StatusPending, domain.StatusInProgress},
	domain.StatusBlocked:    {domain.StatusPending, domain.StatusInProgress, domain.StatusBlocked},
	domain.StatusCancelled:  {domain.StatusPending, domain.StatusInProgress},
	domain.StatusPending:    {domain.StatusBlocked},
}

func ensureTransition(current, target string) error {
	for _, src := range transitionSources[target] {
		if src == current {
			return nil
		}
	}
	return InvalidTransitionError{Current: current, Target: target}
}

// StartTask moves a task to in_progress. Guarded by the startability check:
// every blocks dependency must be completed.
func (e Engine) StartTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusInProgress, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		incomplete, err := e.Repo.IncompleteBlockers(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if len(incomplete) > 0 {
			return DependencyNotSatisfiedError{TaskID: t.ID, Incomplete: incomplete}
		}
		if t.StartedAt == nil {
			now := e.nowString()
			t.StartedAt = &now
		}
		return nil
	})
}

// CompleteTask moves an in_progress task to completed with its result payload.
func (e Engine) CompleteTask(ctx context.Context, id string, resultJSON *string, actualEffort *float64, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusCompleted, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		t.ResultJSON = resultJSON
		if actualEffort != nil {
			t.ActualEffort = actualEffort
		}
		now := e.nowString()
		t.CompletedAt = &now
		return nil
	})
}

// FailTask marks a pending or in_progress task failed with a diagnostic.
func (e Engine) FailTask(ctx context.Context, id, errMsg, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusFailed, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		t.Error = optionalString(errMsg)
		now := e.nowString()
		t.CompletedAt = &now
		return nil
	})
}

// BlockTask parks a non-terminal task with a reason. Not terminal: no
// completed timestamp, and Reopen or Start moves it back.
func (e Engine) BlockTask(ctx context.Context, id, reason, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusBlocked, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		t.Error = optionalString(reason)
		return nil
	})
}

// CancelTask marks a pending or in_progress task cancelled.
func (e Engine) CancelTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusCancelled, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		now := e.nowString()
		t.CompletedAt = &now
		return nil
	})
}

// ReopenTask returns a blocked task to pending and clears its reason. The
// core never does this automatically; it is the external re-trigger.
func (e Engine) ReopenTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	return e.transition(ctx, id, domain.StatusPending, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
		t.Error = nil
		return nil
	})
}

// transition applies one guarded status change. The guard check and the write
// share a transaction, and the write re-validates the source status so a
// concurrent transition surfaces as ErrConcurrentModification instead of
// clobbering a terminal state.
func (e Engine) transition(ctx context.Context, id, target, actorID string, mutate func(context.Context, *sql.Tx, *domain.Task) error) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, target); err != nil {
		return t, err
	}
	prev := t.Status
	if err := mutate(ctx, tx, &t); err != nil {
		return t, err
	}
	t.Status = target
	t.UpdatedAt = e.nowString()
	ok, err := e.Repo.UpdateTaskIfStatus(ctx, tx, t, prev)
	if err != nil {
		return t, err
	}
	if !ok {
		return t, ErrConcurrentModification
	}
	if err := e.Events.Append(ctx, tx, "task.status", t.WorkspaceID, "task", t.ID, actorID, events.EventPayload{
		"from": prev,
		"to":   target,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
