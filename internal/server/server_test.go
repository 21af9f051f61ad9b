package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/engine"
	"dispatch/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("dispatch"))
	if _, err := e.CreateWorkspace(context.Background(), "dispatch", "dispatch", "tester"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTask(t *testing.T, srv *testServer, workspaceID string, body map[string]any) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces/"+workspaceID+"/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func registerAgent(t *testing.T, srv *testServer, workspaceID string, body map[string]any) domain.Agent {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces/"+workspaceID+"/agents", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return a
}

func TestDependencyGatesClaimAndStart(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	workspaceID := "dispatch"

	agent := registerAgent(t, srv, workspaceID, map[string]any{"id": "agent-1"})
	dep := createTask(t, srv, workspaceID, map[string]any{"title": "Produce dataset"})
	blocked := createTask(t, srv, workspaceID, map[string]any{
		"title":      "Train model",
		"priority":   "critical",
		"depends_on": []string{dep.ID},
	})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+blocked.ID+"/can-start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-start status %d: %s", res.StatusCode, string(data))
	}
	var cs canStartResponse
	if err := json.Unmarshal(data, &cs); err != nil {
		t.Fatalf("unmarshal can-start: %v", err)
	}
	if cs.CanStart || len(cs.Incomplete) != 1 || cs.Incomplete[0] != dep.ID {
		t.Fatalf("expected blocked by %s, got %+v", dep.ID, cs)
	}

	// Starting the gated task directly must be refused.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+blocked.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for gated start, got %d: %s", res.StatusCode, string(data))
	}

	// The scheduler must hand out the dependency, not the critical blocked task.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/"+agent.ID+"/next-task", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next-task status %d: %s", res.StatusCode, string(data))
	}
	var next NextTaskResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal next-task: %v", err)
	}
	if next.Task == nil || next.Task.ID != dep.ID {
		t.Fatalf("expected claim of %s, got %+v", dep.ID, next.Task)
	}

	for _, step := range []string{"start", "complete"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+dep.ID+"/"+step, map[string]any{}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+blocked.ID+"/can-start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-start status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &cs); err != nil {
		t.Fatalf("unmarshal can-start: %v", err)
	}
	if !cs.CanStart {
		t.Fatalf("expected startable after dependency completed, got %+v", cs)
	}
}

func TestCircularDependencyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	workspaceID := "dispatch"

	a := createTask(t, srv, workspaceID, map[string]any{"title": "A"})
	b := createTask(t, srv, workspaceID, map[string]any{"title": "B"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+a.ID+"/dependencies", map[string]any{
		"depends_on_id": b.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add edge status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+b.ID+"/dependencies", map[string]any{
		"depends_on_id": a.ID,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "circular_dependency" {
		t.Fatalf("expected circular_dependency, got %q", envelope.Error.Code)
	}

	// The reverse edge must not have been recorded.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+b.ID+"/dependencies", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list deps status %d: %s", res.StatusCode, string(data))
	}
	var deps dependencyList
	if err := json.Unmarshal(data, &deps); err != nil {
		t.Fatalf("unmarshal deps: %v", err)
	}
	if len(deps.Items) != 0 {
		t.Fatalf("expected no edges on b, got %d", len(deps.Items))
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	workspaceID := "dispatch"

	task := createTask(t, srv, workspaceID, map[string]any{"title": "Skip ahead"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict completing a pending task, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestNextTaskNullWhenNothingEligible(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	agent := registerAgent(t, srv, "dispatch", map[string]any{"id": "idle-agent"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/"+agent.ID+"/next-task", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next-task status %d: %s", res.StatusCode, string(data))
	}
	var next NextTaskResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal next-task: %v", err)
	}
	if next.Task != nil {
		t.Fatalf("expected null task, got %+v", next.Task)
	}
}

func TestSubtasksInheritWorkspaceAndParent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	workspaceID := "dispatch"

	parent := createTask(t, srv, workspaceID, map[string]any{"title": "Release", "priority": "high"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+parent.ID+"/subtasks", map[string]any{
		"tasks": []map[string]any{
			{"title": "Write changelog"},
			{"title": "Tag build", "priority": "critical"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create subtasks status %d: %s", res.StatusCode, string(data))
	}
	var created taskList
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal subtasks: %v", err)
	}
	if len(created.Items) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(created.Items))
	}
	for _, st := range created.Items {
		if st.WorkspaceID != workspaceID {
			t.Fatalf("subtask %s in workspace %s", st.ID, st.WorkspaceID)
		}
		if st.ParentID == nil || *st.ParentID != parent.ID {
			t.Fatalf("subtask %s has parent %v", st.ID, st.ParentID)
		}
	}
	byTitle := map[string]string{}
	for _, st := range created.Items {
		byTitle[st.Title] = st.Priority
	}
	if byTitle["Write changelog"] != "high" {
		t.Fatalf("expected inherited priority high, got %q", byTitle["Write changelog"])
	}
	if byTitle["Tag build"] != "critical" {
		t.Fatalf("expected explicit priority critical, got %q", byTitle["Tag build"])
	}
}
