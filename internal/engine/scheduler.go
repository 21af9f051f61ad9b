package engine

import (
	"context"
	"errors"

	"dispatch/internal/domain"
	"dispatch/internal/events"
	"dispatch/internal/repo"
)

// NextTask selects and claims the highest-priority startable task for an
// agent. Selection and claim share one transaction, and the claim is
// conditional on the row still being unassigned, so concurrent pollers never
// double-dispatch. Returns nil with no error when nothing is eligible.
//
// When capabilities is empty the agent's registered capability set applies;
// if that is also empty every task type matches.
func (e Engine) NextTask(ctx context.Context, agentID string, capabilities []string) (*domain.Task, error) {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	caps := capabilities
	if len(caps) == 0 {
		caps = agent.Capabilities
	}
	attempts := 3
	if e.Config != nil {
		attempts = e.Config.ClaimAttempts()
	}
	for i := 0; i < attempts; i++ {
		t, claimed, err := e.tryClaim(ctx, agent, caps)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		if claimed {
			return t, nil
		}
		// Lost the row to a concurrent poller; re-run selection.
	}
	return nil, ErrConcurrentModification
}

func (e Engine) tryClaim(ctx context.Context, agent domain.Agent, caps []string) (*domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.NextCandidate(ctx, tx, repo.NextTaskFilters{
		WorkspaceID:  agent.WorkspaceID,
		Capabilities: caps,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	now := e.nowString()
	ok, err := e.Repo.ClaimTask(ctx, tx, t.ID, agent.ID, now)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &t, false, nil
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", t.WorkspaceID, "task", t.ID, agent.ID, events.EventPayload{
		"agent_id": agent.ID,
		"priority": t.Priority,
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	t.AssignedAgentID = &agent.ID
	t.UpdatedAt = now
	return &t, true, nil
}
