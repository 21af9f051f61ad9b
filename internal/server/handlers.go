package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dispatch/internal/domain"
	"dispatch/internal/engine"
	"dispatch/internal/repo"
)

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create a workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string                 `header:"X-Actor-Id"`
		Body    CreateWorkspaceRequest `json:"body"`
	}) (*workspaceOutput, error) {
		w, err := e.CreateWorkspace(ctx, deref(input.Body.ID), deref(input.Body.Name), actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &workspaceOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body workspaceList `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workspaceList `json:"body"`
		}{Body: workspaceList{Items: items}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string               `path:"workspace_id"`
		ActorID     string               `header:"X-Actor-Id"`
		Body        RegisterAgentRequest `json:"body"`
	}) (*agentOutput, error) {
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			ID:           deref(input.Body.ID),
			WorkspaceID:  input.WorkspaceID,
			Name:         deref(input.Body.Name),
			Capabilities: input.Body.Capabilities,
			ActorID:      actorOrDefault(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/agents",
		Summary:     "List agents in a workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body agentList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAgents(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agentList `json:"body"`
		}{Body: agentList{Items: items}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		ActorID     string            `header:"X-Actor-Id"`
		Body        CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		var contextJSON, requirementsJSON *string
		if input.Body.Context != nil {
			s, err := jsonString(input.Body.Context)
			if err != nil {
				return nil, handleError(err)
			}
			contextJSON = s
		}
		if input.Body.Requirements != nil {
			s, err := jsonString(input.Body.Requirements)
			if err != nil {
				return nil, handleError(err)
			}
			requirementsJSON = s
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:               deref(input.Body.ID),
			WorkspaceID:      input.WorkspaceID,
			ParentID:         deref(input.Body.ParentID),
			CreatedByAgentID: deref(input.Body.CreatedByAgentID),
			AssignedUserID:   deref(input.Body.AssignedUserID),
			Type:             input.Body.Type,
			Title:            input.Body.Title,
			Description:      deref(input.Body.Description),
			Priority:         deref(input.Body.Priority),
			ContextJSON:      contextJSON,
			RequirementsJSON: requirementsJSON,
			EstimatedEffort:  input.Body.EstimatedEffort,
			DueAt:            deref(input.Body.DueAt),
			DependsOn:        input.Body.DependsOn,
			ActorID:          actorOrDefault(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List tasks, filtered and priority-ordered",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID   string `path:"workspace_id"`
		Status        string `query:"status" doc:"Comma-separated statuses"`
		Priority      string `query:"priority" doc:"Comma-separated priorities"`
		Type          string `query:"type" doc:"Comma-separated task types"`
		AssignedAgent string `query:"assigned_agent_id"`
		AssignedUser  string `query:"assigned_user_id"`
		Unassigned    bool   `query:"unassigned"`
		ParentID      string `query:"parent_id"`
		NoParent      bool   `query:"no_parent"`
		DueBefore     string `query:"due_before"`
		DueAfter      string `query:"due_after"`
		Limit         int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID:      input.WorkspaceID,
			Statuses:         splitCSV(input.Status),
			Priorities:       splitCSV(input.Priority),
			Types:            splitCSV(input.Type),
			AssignedAgentIDs: splitCSV(input.AssignedAgent),
			AssignedUserIDs:  splitCSV(input.AssignedUser),
			Unassigned:       input.Unassigned,
			ParentID:         input.ParentID,
			NoParent:         input.NoParent,
			DueBefore:        input.DueBefore,
			DueAfter:         input.DueAfter,
			Limit:            input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Fetch one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskOutput, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID  string            `path:"task_id"`
		ActorID string            `header:"X-Actor-Id"`
		Body    UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		opts := engine.TaskUpdateOptions{
			ID:              input.TaskID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Type:            input.Body.Type,
			Priority:        input.Body.Priority,
			AssignedAgentID: input.Body.AssignedAgentID,
			AssignedUserID:  input.Body.AssignedUserID,
			ParentID:        input.Body.ParentID,
			EstimatedEffort: input.Body.EstimatedEffort,
			ActualEffort:    input.Body.ActualEffort,
			DueAt:           input.Body.DueAt,
			ActorID:         actorOrDefault(input.ActorID),
		}
		if input.Body.Context != nil {
			s, err := jsonString(*input.Body.Context)
			if err != nil {
				return nil, handleError(err)
			}
			opts.ContextJSON = s
		}
		if input.Body.Requirements != nil {
			s, err := jsonString(*input.Body.Requirements)
			if err != nil {
				return nil, handleError(err)
			}
			opts.RequirementsJSON = s
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete a task and cascade its subtasks and edges",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"task_id"`
		ActorID string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.TaskID, actorOrDefault(input.ActorID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/dependencies",
		Summary:       "Add a dependency edge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID  string               `path:"task_id"`
		ActorID string               `header:"X-Actor-Id"`
		Body    AddDependencyRequest `json:"body"`
	}) (*dependencyOutput, error) {
		d, err := e.AddDependency(ctx, input.TaskID, input.Body.DependsOnID, input.Body.Type, actorOrDefault(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &dependencyOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/dependencies",
		Summary:     "List a task's outgoing dependency edges",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body dependencyList `json:"body"`
	}, error) {
		items, err := e.Dependencies(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dependencyList `json:"body"`
		}{Body: dependencyList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-dependency",
		Method:        http.MethodDelete,
		Path:          "/dependencies/{dependency_id}",
		Summary:       "Remove a dependency edge",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DependencyID string `path:"dependency_id"`
		ActorID      string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.RemoveDependency(ctx, input.DependencyID, actorOrDefault(input.ActorID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-start",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/can-start",
		Summary:     "Report whether every blocking dependency is completed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body canStartResponse `json:"body"`
	}, error) {
		ok, incomplete, err := e.CanStart(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body canStartResponse `json:"body"`
		}{Body: canStartResponse{CanStart: ok, Incomplete: incomplete}}, nil
	})
}

type workspaceOutput struct {
	Body domain.Workspace `json:"body"`
}

type agentOutput struct {
	Body domain.Agent `json:"body"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type dependencyOutput struct {
	Body domain.Dependency `json:"body"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
