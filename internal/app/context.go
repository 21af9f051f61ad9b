package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/repo"
)

// ResolveWorkspace picks the active workspace for CLI commands. It prefers
// the override, then a single-workspace database; a missing workspace is
// created on the fly so a fresh checkout works without ceremony.
func ResolveWorkspace(ctx context.Context, workspaceOverride, actorID string, r repo.Repo) (string, error) {
	workspaceID := workspaceOverride
	if workspaceID == "" {
		items, err := r.ListWorkspaces(ctx)
		if err != nil {
			return "", err
		}
		switch len(items) {
		case 0:
			workspaceID = "default"
		case 1:
			return items[0].ID, nil
		default:
			return "", fmt.Errorf("multiple workspaces exist; specify --workspace-id")
		}
	}
	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := createWorkspace(ctx, r, workspaceID); err != nil {
			return "", err
		}
	}
	return workspaceID, nil
}

func createWorkspace(ctx context.Context, r repo.Repo, workspaceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := domain.Workspace{ID: workspaceID, Name: workspaceID, CreatedAt: now}
	if err := r.InsertWorkspace(ctx, tx, w); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return tx.Commit()
}
