package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dispatch/internal/engine"
)

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Move a task to in_progress",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"task_id"`
		ActorID string `header:"X-Actor-Id"`
	}) (*taskOutput, error) {
		t, err := e.StartTask(ctx, input.TaskID, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete an in_progress task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string              `path:"task_id"`
		ActorID string              `header:"X-Actor-Id"`
		Body    CompleteTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		var resultJSON *string
		if input.Body.Result != nil {
			s, err := jsonString(input.Body.Result)
			if err != nil {
				return nil, handleError(err)
			}
			resultJSON = s
		}
		t, err := e.CompleteTask(ctx, input.TaskID, resultJSON, input.Body.ActualEffort, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Mark a task failed with a diagnostic",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string          `path:"task_id"`
		ActorID string          `header:"X-Actor-Id"`
		Body    FailTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.FailTask(ctx, input.TaskID, input.Body.Error, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/block",
		Summary:     "Park a task as blocked with a reason",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string           `path:"task_id"`
		ActorID string           `header:"X-Actor-Id"`
		Body    BlockTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.BlockTask(ctx, input.TaskID, input.Body.Reason, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a pending or in_progress task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"task_id"`
		ActorID string `header:"X-Actor-Id"`
	}) (*taskOutput, error) {
		t, err := e.CancelTask(ctx, input.TaskID, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reopen",
		Summary:     "Return a blocked task to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"task_id"`
		ActorID string `header:"X-Actor-Id"`
	}) (*taskOutput, error) {
		t, err := e.ReopenTask(ctx, input.TaskID, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

func registerScheduler(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/next-task",
		Summary:     "Claim the highest-priority startable task",
		Description: "Selects and atomically claims the best eligible task for the agent. The task field is null when nothing is eligible.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string          `path:"agent_id"`
		Body    NextTaskRequest `json:"body"`
	}) (*struct {
		Body NextTaskResponse `json:"body"`
	}, error) {
		t, err := e.NextTask(ctx, input.AgentID, input.Body.Capabilities)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextTaskResponse `json:"body"`
		}{Body: NextTaskResponse{Task: t}}, nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subtasks",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/subtasks",
		Summary:       "Decompose a task into subtasks",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID  string                `path:"task_id"`
		ActorID string                `header:"X-Actor-Id"`
		Body    CreateSubtasksRequest `json:"body"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		drafts := make([]engine.SubtaskDraft, 0, len(input.Body.Tasks))
		for _, d := range input.Body.Tasks {
			draft := engine.SubtaskDraft{
				Type:            d.Type,
				Title:           d.Title,
				Description:     deref(d.Description),
				Priority:        deref(d.Priority),
				EstimatedEffort: d.EstimatedEffort,
				DueAt:           deref(d.DueAt),
			}
			if d.Context != nil {
				s, err := jsonString(d.Context)
				if err != nil {
					return nil, handleError(err)
				}
				draft.ContextJSON = s
			}
			if d.Requirements != nil {
				s, err := jsonString(d.Requirements)
				if err != nil {
					return nil, handleError(err)
				}
				draft.RequirementsJSON = s
			}
			drafts = append(drafts, draft)
		}
		created, err := e.CreateSubtasks(ctx, input.TaskID, drafts, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/subtasks",
		Summary:     "List a task's direct subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		items, err := e.Subtasks(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: items}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "Tail the workspace event log, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Before      int64  `query:"before" doc:"Return events with id strictly below this cursor"`
		Limit       int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Before, input.WorkspaceID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: items}}, nil
	})
}
