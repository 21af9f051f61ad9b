package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatch/internal/app"
	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/engine"
	"dispatch/internal/migrate"
	"dispatch/internal/repo"
	"dispatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dsp",
	Short: "Dispatch CLI",
	Long: `Dispatch coordinates task work across agents and people.
Core concepts:
- Workspace: your .dispatch directory holding one SQLite database.
- Task: a unit of work with a priority tier and a status lifecycle
  (pending -> in_progress -> completed; failed/blocked/cancelled as exits).
- Dependency: a directed "blocks" edge; a task cannot start until every
  task it depends on is completed. Cycles are rejected at insert.
- Agent: a worker that polls 'dsp task next' to claim the best eligible
  task. Claims are atomic, so two agents never pick up the same task.
- Subtasks: decompose a task into children; hierarchy does not gate the
  parent, only explicit edges do.
- Event log: diary of changes, view with 'dsp log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DISPATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("workspace-id", "", "workspace id (overrides auto-detection)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default dispatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(workspaceID))
			if _, err := e.Repo.GetWorkspace(cmd.Context(), workspaceID); err == nil {
				fmt.Printf("Initialized %s (workspace %s already present)\n", path, workspaceID)
				return nil
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if _, err := e.CreateWorkspace(cmd.Context(), workspaceID, workspaceID, viper.GetString("actor-id")); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (%s)\n", workspaceID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "default", "workspace id")
	return cmd
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			w, err := e.CreateWorkspace(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id (uuid if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are workers that claim tasks. Register one with a capability set, then poll with 'dsp task next --agent <id>'.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var id, name string
	var caps []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
					ID:           id,
					WorkspaceID:  workspaceID,
					Name:         name,
					Capabilities: caps,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (uuid if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringArrayVar(&caps, "cap", []string{}, "capability / task type the agent handles (repeatable)")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				items, err := e.Repo.ListAgents(ctx, workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Capabilities"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, strings.Join(a.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending -> in_progress -> completed, with failed, blocked and cancelled as exits. Blocking dependencies gate both 'start' and the scheduler.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskNextCmd())
	task.AddCommand(taskDecomposeCmd())
	task.AddCommand(taskSubtasksCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var dependsOn []string
	var contextJSON, requirementsJSON string
	var estimatedEffort float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.DependsOn = dependsOn
			if cmd.Flags().Changed("context") {
				if !json.Valid([]byte(contextJSON)) {
					return fmt.Errorf("--context must be valid JSON")
				}
				opts.ContextJSON = &contextJSON
			}
			if cmd.Flags().Changed("requirements") {
				if !json.Valid([]byte(requirementsJSON)) {
					return fmt.Errorf("--requirements must be valid JSON")
				}
				opts.RequirementsJSON = &requirementsJSON
			}
			if cmd.Flags().Changed("estimated-effort") {
				opts.EstimatedEffort = &estimatedEffort
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				if opts.WorkspaceID == "" {
					opts.WorkspaceID = workspaceID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (uuid if omitted)")
	cmd.Flags().StringVar(&opts.WorkspaceID, "in", "", "workspace id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type (config default if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "blocking dependency task id (repeatable)")
	cmd.Flags().StringVar(&opts.CreatedByAgentID, "created-by", "", "creating agent id")
	cmd.Flags().StringVar(&opts.AssignedUserID, "assignee-user", "", "assigned user id")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context payload (JSON)")
	cmd.Flags().StringVar(&requirementsJSON, "requirements", "", "requirements payload (JSON)")
	cmd.Flags().Float64Var(&estimatedEffort, "estimated-effort", 0, "estimated effort")
	cmd.Flags().StringVar(&opts.DueAt, "due", "", "due timestamp (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status, priority, taskType, agentID, userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Statuses = splitCSV(status)
			f.Priorities = splitCSV(priority)
			f.Types = splitCSV(taskType)
			f.AssignedAgentIDs = splitCSV(agentID)
			f.AssignedUserIDs = splitCSV(userID)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = workspaceID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Assignee", "Due"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedAgentID != nil {
						assignee = *t.AssignedAgentID
					} else if t.AssignedUserID != nil {
						assignee = *t.AssignedUserID
					}
					due := ""
					if t.DueAt != nil {
						due = *t.DueAt
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.Status, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "in", "", "workspace id")
	cmd.Flags().StringVar(&status, "status", "", "status filter (comma-separated)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter (comma-separated)")
	cmd.Flags().StringVar(&taskType, "type", "", "type filter (comma-separated)")
	cmd.Flags().StringVar(&agentID, "agent", "", "assigned agent filter")
	cmd.Flags().StringVar(&userID, "user", "", "assigned user filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only unassigned tasks")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&f.NoParent, "roots", false, "only top-level tasks")
	cmd.Flags().StringVar(&f.DueBefore, "due-before", "", "due before (RFC3339)")
	cmd.Flags().StringVar(&f.DueAfter, "due-after", "", "due after (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, taskType, priority, agentID, userID, parent, contextJSON, requirementsJSON, due string
	var estimatedEffort, actualEffort float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			set := func(name string, dst **string, v *string) {
				if cmd.Flags().Changed(name) {
					*dst = v
				}
			}
			set("title", &opts.Title, &title)
			set("description", &opts.Description, &description)
			set("type", &opts.Type, &taskType)
			set("priority", &opts.Priority, &priority)
			set("agent", &opts.AssignedAgentID, &agentID)
			set("user", &opts.AssignedUserID, &userID)
			set("parent", &opts.ParentID, &parent)
			set("due", &opts.DueAt, &due)
			if cmd.Flags().Changed("context") {
				if !json.Valid([]byte(contextJSON)) {
					return fmt.Errorf("--context must be valid JSON")
				}
				opts.ContextJSON = &contextJSON
			}
			if cmd.Flags().Changed("requirements") {
				if !json.Valid([]byte(requirementsJSON)) {
					return fmt.Errorf("--requirements must be valid JSON")
				}
				opts.RequirementsJSON = &requirementsJSON
			}
			if cmd.Flags().Changed("estimated-effort") {
				opts.EstimatedEffort = &estimatedEffort
			}
			if cmd.Flags().Changed("actual-effort") {
				opts.ActualEffort = &actualEffort
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&agentID, "agent", "", "assigned agent id (empty string unassigns)")
	cmd.Flags().StringVar(&userID, "user", "", "assigned user id (empty string unassigns)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id (empty string detaches)")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context payload (JSON)")
	cmd.Flags().StringVar(&requirementsJSON, "requirements", "", "requirements payload (JSON)")
	cmd.Flags().Float64Var(&estimatedEffort, "estimated-effort", 0, "estimated effort")
	cmd.Flags().Float64Var(&actualEffort, "actual-effort", 0, "actual effort")
	cmd.Flags().StringVar(&due, "due", "", "due timestamp (RFC3339)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task (subtasks and edges cascade)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Move a task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.StartTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var resultJSON string
	var actualEffort float64
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an in_progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result *string
			if cmd.Flags().Changed("result") {
				if !json.Valid([]byte(resultJSON)) {
					return fmt.Errorf("--result must be valid JSON")
				}
				result = &resultJSON
			}
			var effort *float64
			if cmd.Flags().Changed("actual-effort") {
				effort = &actualEffort
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.CompleteTask(ctx, args[0], result, effort, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result", "", "result payload (JSON)")
	cmd.Flags().Float64Var(&actualEffort, "actual-effort", 0, "actual effort")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.FailTask(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "failure diagnostic")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Park a task as blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.BlockTask(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is blocked")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or in_progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Return a blocked task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.ReopenTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskNextCmd() *cobra.Command {
	var agentID string
	var caps []string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the highest-priority startable task for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				t, err := e.NextTask(ctx, agentID, caps)
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Println("no eligible task")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringArrayVar(&caps, "cap", []string{}, "capability for this poll (repeatable, overrides registration)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskDecomposeCmd() *cobra.Command {
	var titles []string
	var taskType, priority string
	cmd := &cobra.Command{
		Use:   "decompose <id>",
		Short: "Create subtasks under a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts := make([]engine.SubtaskDraft, 0, len(titles))
			for _, title := range titles {
				drafts = append(drafts, engine.SubtaskDraft{Title: title, Type: taskType, Priority: priority})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				created, err := e.CreateSubtasks(ctx, args[0], drafts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringArrayVar(&titles, "title", []string{}, "subtask title (repeatable)")
	cmd.Flags().StringVar(&taskType, "type", "", "task type for all subtasks")
	cmd.Flags().StringVar(&priority, "priority", "", "priority for all subtasks (parent's if omitted)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskSubtasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subtasks <id>",
		Short: "List a task's direct subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				items, err := e.Subtasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the task hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{WorkspaceID: workspaceID})
				if err != nil {
					return err
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID == nil {
						roots = append(roots, t)
					} else {
						children[*t.ParentID] = append(children[*t.ParentID], t)
					}
				}
				for i, t := range roots {
					printTaskTree(t, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage dependency edges",
		Long:  "Blocking edges gate a task until everything it depends on is completed. 'related' edges are annotations only.",
	}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depRemoveCmd())
	dep.AddCommand(depListCmd())
	dep.AddCommand(depCanStartCmd())
	return dep
}

func depAddCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "add <task-id> <depends-on-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				d, err := e.AddDependency(ctx, args[0], args[1], depType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", domain.DepBlocks, "edge type (blocks, related)")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <edge-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				return e.RemoveDependency(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func depListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's outgoing edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				items, err := e.Dependencies(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func depCanStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "can-start <task-id>",
		Short: "Report whether a task's blocking dependencies are satisfied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				ok, incomplete, err := e.CanStart(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"can_start": ok, "incomplete": incomplete}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if ok {
					fmt.Println("ready to start")
					return nil
				}
				fmt.Println("blocked by:")
				for _, id := range incomplete {
					fmt.Printf("  %s\n", id)
				}
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "The scoreboard: task counts by status for the active workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				counts, err := e.Repo.CountTasksByStatus(ctx, workspaceID)
				if err != nil {
					return err
				}
				out := map[string]any{"workspace_id": workspaceID, "tasks": counts}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s\n", workspaceID)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, claims, edges, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, workspaceID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, workspaceID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Dispatch API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	workspaceID, err := app.ResolveWorkspace(ctx, viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default(workspaceID)
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, workspaceID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var res []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s/%s]\n", prefix, connector, t.Title, t.Priority, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
