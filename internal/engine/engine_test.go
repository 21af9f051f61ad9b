package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/engine"
	"dispatch/internal/migrate"
	"dispatch/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a throwaway database with a deterministic clock that
// advances one second per call, so creation order is reflected in created_at.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var tick int
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.CreateWorkspace(ctx, "ws-1", "test", "tester"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreateTask(t *testing.T, env testEnv, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = "ws-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %q: %v", opts.Title, err)
	}
	return task
}

func mustRegisterAgent(t *testing.T, env testEnv, id string, caps []string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		ID:           id,
		WorkspaceID:  "ws-1",
		Capabilities: caps,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", id, err)
	}
	return a
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "Do work"})
	if task.Status != domain.StatusPending {
		t.Fatalf("new task status %s", task.Status)
	}

	task, err := env.Engine.StartTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != domain.StatusInProgress || task.StartedAt == nil {
		t.Fatalf("after start: status=%s started_at=%v", task.Status, task.StartedAt)
	}

	result := `{"ok":true}`
	effort := 2.5
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, &result, &effort, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.StatusCompleted || task.CompletedAt == nil {
		t.Fatalf("after complete: status=%s completed_at=%v", task.Status, task.CompletedAt)
	}
	if task.ResultJSON == nil || *task.ResultJSON != result {
		t.Fatalf("result not stored: %v", task.ResultJSON)
	}
	if task.ActualEffort == nil || *task.ActualEffort != effort {
		t.Fatalf("actual effort not stored: %v", task.ActualEffort)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	for _, finish := range []struct {
		name string
		run  func(id string) error
	}{
		{"completed", func(id string) error {
			if _, err := env.Engine.StartTask(env.Ctx, id, "tester"); err != nil {
				return err
			}
			_, err := env.Engine.CompleteTask(env.Ctx, id, nil, nil, "tester")
			return err
		}},
		{"failed", func(id string) error {
			_, err := env.Engine.FailTask(env.Ctx, id, "boom", "tester")
			return err
		}},
		{"cancelled", func(id string) error {
			_, err := env.Engine.CancelTask(env.Ctx, id, "tester")
			return err
		}},
	} {
		task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "terminal " + finish.name})
		if err := finish.run(task.ID); err != nil {
			t.Fatalf("%s: %v", finish.name, err)
		}
		if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); !isInvalidTransition(err) {
			t.Fatalf("%s: start should be invalid, got %v", finish.name, err)
		}
		if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester"); !isInvalidTransition(err) {
			t.Fatalf("%s: cancel should be invalid, got %v", finish.name, err)
		}
		if _, err := env.Engine.BlockTask(env.Ctx, task.ID, "stuck", "tester"); !isInvalidTransition(err) {
			t.Fatalf("%s: block should be invalid, got %v", finish.name, err)
		}
	}
}

func isInvalidTransition(err error) bool {
	var ite engine.InvalidTransitionError
	return errors.As(err, &ite)
}

func TestBlockedReopenAndRestart(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "On hold"})

	task, err := env.Engine.BlockTask(env.Ctx, task.ID, "waiting on credentials", "tester")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if task.Status != domain.StatusBlocked || task.Error == nil {
		t.Fatalf("after block: %s %v", task.Status, task.Error)
	}

	// blocked -> in_progress directly
	task, err = env.Engine.StartTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("start from blocked: %v", err)
	}
	if task.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", task.Status)
	}

	// block again, then reopen to pending
	if _, err := env.Engine.BlockTask(env.Ctx, task.ID, "again", "tester"); err != nil {
		t.Fatalf("re-block: %v", err)
	}
	task, err = env.Engine.ReopenTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.Status != domain.StatusPending || task.Error != nil {
		t.Fatalf("after reopen: %s %v", task.Status, task.Error)
	}
}

func TestStartGatedByBlockingDependencies(t *testing.T) {
	env := newTestEnv(t)
	dep := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "dep"})
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "main", DependsOn: []string{dep.ID}})

	ok, incomplete, err := env.Engine.CanStart(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("can-start: %v", err)
	}
	if ok || len(incomplete) != 1 || incomplete[0] != dep.ID {
		t.Fatalf("expected gated by %s, got ok=%v incomplete=%v", dep.ID, ok, incomplete)
	}

	_, err = env.Engine.StartTask(env.Ctx, task.ID, "tester")
	var dns engine.DependencyNotSatisfiedError
	if !errors.As(err, &dns) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(dns.Incomplete) != 1 || dns.Incomplete[0] != dep.ID {
		t.Fatalf("unexpected incomplete set %v", dns.Incomplete)
	}

	// A failed dependency does not satisfy the gate.
	if _, err := env.Engine.FailTask(env.Ctx, dep.ID, "broke", "tester"); err != nil {
		t.Fatalf("fail dep: %v", err)
	}
	if ok, _, _ := env.Engine.CanStart(env.Ctx, task.ID); ok {
		t.Fatalf("failed dependency must not satisfy the gate")
	}

	// Only completion opens it.
	dep2 := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "dep2"})
	task2 := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "main2", DependsOn: []string{dep2.ID}})
	if _, err := env.Engine.StartTask(env.Ctx, dep2.ID, "tester"); err != nil {
		t.Fatalf("start dep2: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, dep2.ID, nil, nil, "tester"); err != nil {
		t.Fatalf("complete dep2: %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task2.ID, "tester"); err != nil {
		t.Fatalf("start after dep completed: %v", err)
	}
}

func TestCycleRejection(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "a"})
	b := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "b"})
	c := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "c"})

	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, a.ID, domain.DepBlocks, "tester"); !errors.Is(err, engine.ErrCircularDependency) {
		t.Fatalf("self edge: %v", err)
	}

	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, domain.DepBlocks, "tester"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, b.ID, c.ID, domain.DepBlocks, "tester"); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	// transitive cycle c -> a
	if _, err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID, domain.DepBlocks, "tester"); !errors.Is(err, engine.ErrCircularDependency) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	deps, err := env.Engine.Dependencies(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list deps: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("rejected edge was recorded: %v", deps)
	}

	// related edges do not participate in cycle detection
	if _, err := env.Engine.AddDependency(env.Ctx, c.ID, a.ID, domain.DepRelated, "tester"); err != nil {
		t.Fatalf("related c->a: %v", err)
	}
}

func TestDependencyReAddIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "a"})
	b := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "b"})

	first, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, domain.DepBlocks, "tester")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := env.Engine.AddDependency(env.Ctx, a.ID, b.ID, domain.DepBlocks, "tester")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("re-add created a new edge: %s vs %s", first.ID, second.ID)
	}
	deps, _ := env.Engine.Dependencies(env.Ctx, a.ID)
	if len(deps) != 1 {
		t.Fatalf("expected one edge, got %d", len(deps))
	}
}

func TestSchedulerPriorityThenFIFO(t *testing.T) {
	env := newTestEnv(t)
	agent := mustRegisterAgent(t, env, "agent-1", nil)

	older := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "older high", Priority: domain.PriorityHigh})
	mustCreateTask(t, env, engine.TaskCreateOptions{Title: "newer high", Priority: domain.PriorityHigh})
	critical := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "late critical", Priority: domain.PriorityCritical})

	got, err := env.Engine.NextTask(env.Ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != critical.ID {
		t.Fatalf("expected critical first, got %+v", got)
	}

	got, err = env.Engine.NextTask(env.Ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != older.ID {
		t.Fatalf("expected oldest high next, got %+v", got)
	}
}

func TestSchedulerSkipsGatedAndAssigned(t *testing.T) {
	env := newTestEnv(t)
	agent := mustRegisterAgent(t, env, "agent-1", nil)

	dep := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "dep", Priority: domain.PriorityLow})
	mustCreateTask(t, env, engine.TaskCreateOptions{Title: "gated", Priority: domain.PriorityCritical, DependsOn: []string{dep.ID}})
	taken := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "taken", Priority: domain.PriorityCritical, AssignedUserID: "human-1"})

	got, err := env.Engine.NextTask(env.Ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != dep.ID {
		t.Fatalf("expected %s (only eligible), got %+v", dep.ID, got)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agent.ID {
		t.Fatalf("claim did not assign agent: %+v", got)
	}

	// Nothing else is eligible: gated task waits, user-assigned task is skipped.
	got, err = env.Engine.NextTask(env.Ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no candidate, got %+v", got)
	}

	fetched, err := env.Engine.Repo.GetTask(env.Ctx, taken.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.AssignedUserID == nil || *fetched.AssignedUserID != "human-1" {
		t.Fatalf("user assignment disturbed: %+v", fetched)
	}
}

func TestSchedulerCapabilityFilter(t *testing.T) {
	env := newTestEnv(t)
	agent := mustRegisterAgent(t, env, "agent-1", []string{"research"})

	mustCreateTask(t, env, engine.TaskCreateOptions{Title: "code it", Type: "coding", Priority: domain.PriorityCritical})
	match := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "read papers", Type: "research"})

	got, err := env.Engine.NextTask(env.Ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != match.ID {
		t.Fatalf("expected capability match %s, got %+v", match.ID, got)
	}

	// An explicit poll capability set overrides the registered one.
	got, err = env.Engine.NextTask(env.Ctx, agent.ID, []string{"coding"})
	if err != nil {
		t.Fatalf("next with caps: %v", err)
	}
	if got == nil || got.Type != "coding" {
		t.Fatalf("expected coding task, got %+v", got)
	}
}

func TestConcurrentClaimsDispatchOnce(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "contested"})

	const workers = 4
	agents := make([]domain.Agent, workers)
	for i := range agents {
		agents[i] = mustRegisterAgent(t, env, "agent-"+string(rune('a'+i)), nil)
	}

	var wg sync.WaitGroup
	claims := make([]*domain.Task, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = env.Engine.NextTask(env.Ctx, agents[i].ID, nil)
		}(i)
	}
	wg.Wait()

	var winners int
	for i := 0; i < workers; i++ {
		if errs[i] != nil && !errors.Is(errs[i], engine.ErrConcurrentModification) {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if claims[i] != nil {
			winners++
			if claims[i].ID != task.ID {
				t.Fatalf("claimed unexpected task %s", claims[i].ID)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one claim, got %d", winners)
	}
}

func TestUpdateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "edit me"})

	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ActorID: "tester"}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("empty update: %v", err)
	}

	bad := "urgent-ish"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Priority: &bad, ActorID: "tester"}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("bad priority: %v", err)
	}

	agent := mustRegisterAgent(t, env, "agent-1", nil)
	user := "human-1"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, AssignedAgentID: &agent.ID, AssignedUserID: &user, ActorID: "tester",
	}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("double assignment: %v", err)
	}

	title := "edited"
	prio := domain.PriorityHigh
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Title: &title, Priority: &prio, AssignedAgentID: &agent.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Priority != prio {
		t.Fatalf("fields not applied: %+v", updated)
	}
	if updated.AssignedAgentID == nil || *updated.AssignedAgentID != agent.ID {
		t.Fatalf("agent not assigned: %+v", updated)
	}
}

func TestSubtaskDecomposition(t *testing.T) {
	env := newTestEnv(t)
	parent := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "release", Priority: domain.PriorityHigh})

	created, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, []engine.SubtaskDraft{
		{Title: "changelog"},
		{Title: "tag", Priority: domain.PriorityCritical},
	}, "tester")
	if err != nil {
		t.Fatalf("create subtasks: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(created))
	}
	for _, st := range created {
		if st.WorkspaceID != parent.WorkspaceID {
			t.Fatalf("subtask crossed workspaces: %+v", st)
		}
		if st.ParentID == nil || *st.ParentID != parent.ID {
			t.Fatalf("parent not set: %+v", st)
		}
		if st.Status != domain.StatusPending {
			t.Fatalf("subtask not pending: %+v", st)
		}
	}
	if created[0].Priority != domain.PriorityHigh {
		t.Fatalf("expected inherited priority, got %s", created[0].Priority)
	}
	if created[1].Priority != domain.PriorityCritical {
		t.Fatalf("expected explicit priority, got %s", created[1].Priority)
	}

	// Subtasks do not gate the parent: hierarchy and blocking are orthogonal.
	if ok, _, err := env.Engine.CanStart(env.Ctx, parent.ID); err != nil || !ok {
		t.Fatalf("parent should be startable: ok=%v err=%v", ok, err)
	}

	if _, err := env.Engine.CreateSubtasks(env.Ctx, parent.ID, nil, "tester"); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("empty drafts: %v", err)
	}

	listed, err := env.Engine.Subtasks(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 listed, got %d", len(listed))
	}
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	parent := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "root"})
	child := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "child", ParentID: parent.ID})
	other := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "other", DependsOn: []string{parent.ID}})

	if err := env.Engine.DeleteTask(env.Ctx, parent.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, child.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("child survived: %v", err)
	}
	deps, err := env.Engine.Dependencies(env.Ctx, other.ID)
	if err != nil {
		t.Fatalf("list deps: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("dangling edges: %v", deps)
	}
	// The dependent itself is untouched and now startable.
	if ok, _, _ := env.Engine.CanStart(env.Ctx, other.ID); !ok {
		t.Fatalf("dependent should be startable after cascade")
	}
}

func TestListTaskFilters(t *testing.T) {
	env := newTestEnv(t)
	agent := mustRegisterAgent(t, env, "agent-1", nil)

	a := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "a", Priority: domain.PriorityCritical})
	b := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "b", Priority: domain.PriorityLow})
	if _, err := env.Engine.StartTask(env.Ctx, b.ID, "tester"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	agentID := agent.ID
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, AssignedAgentID: &agentID, ActorID: "tester"}); err != nil {
		t.Fatalf("assign a: %v", err)
	}

	pending, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkspaceID: "ws-1", Statuses: []string{domain.StatusPending}})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("pending filter: %+v", pending)
	}

	mine, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkspaceID: "ws-1", AssignedAgentIDs: []string{agent.ID}})
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("agent filter: %+v", mine)
	}

	free, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkspaceID: "ws-1", Unassigned: true})
	if err != nil {
		t.Fatalf("list unassigned: %v", err)
	}
	if len(free) != 1 || free[0].ID != b.ID {
		t.Fatalf("unassigned filter: %+v", free)
	}

	// Priority-ordered listing puts critical first regardless of insert order.
	all, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("priority ordering: %+v", all)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, engine.TaskCreateOptions{Title: "audited"})
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "ws-1", "", "task", task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected created+status events, got %d", len(evts))
	}
	if evts[0].Type != "task.status" || evts[1].Type != "task.created" {
		t.Fatalf("unexpected event order: %s, %s", evts[0].Type, evts[1].Type)
	}
	if evts[0].ActorID != "tester" {
		t.Fatalf("actor lost: %+v", evts[0])
	}
}
