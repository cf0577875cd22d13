package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"rollout/internal/config"
	"rollout/internal/db"
	"rollout/internal/domain"
	"rollout/internal/engine"
	"rollout/internal/migrate"
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
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

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

func createProject(t *testing.T, srv *testServer, name string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": name}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestRequestsRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request status %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := createProject(t, srv, "Acme Corp")
	if len(p.Stages) != domain.StageCount {
		t.Fatalf("created project has %d stages", len(p.Stages))
	}

	// block the infra stage through the API
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID+"/stages/infra", map[string]any{
		"status":          "blocked",
		"blocking_reason": "no VPN access",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("block stage status %d: %s", res.StatusCode, string(data))
	}
	var updated ProjectResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Status != domain.ProjectBlocked {
		t.Fatalf("project status = %s", updated.Status)
	}

	// missing reason returns the validation envelope
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID+"/stages/adherence", map[string]any{
		"status": "blocked",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("blocked without reason status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}

	// unknown stage key
	res, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID+"/stages/migration", map[string]any{
		"status": "done",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown stage status %d", res.StatusCode)
	}

	// project get carries health
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d", res.StatusCode)
	}
	var got ProjectResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Health != "ok" {
		t.Fatalf("fresh project health = %s", got.Health)
	}
}

func TestQueueWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv, "Acme Corp")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue", map[string]any{
		"project_id": p.ID,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send to queue status %d: %s", res.StatusCode, string(data))
	}
	var item QueueItemResponse
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}
	if item.Priority != 3 || item.Status != domain.QueuePending {
		t.Fatalf("new item: %+v", item)
	}

	// second submission conflicts while the first is active
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue", map[string]any{
		"project_id": p.ID,
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submission status %d", res.StatusCode)
	}

	maria := map[string]string{"X-Actor-Id": "maria"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue/"+item.ID+"/claim", nil, maria)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed QueueItemResponse
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatal(err)
	}
	if claimed.AssignedTo == nil || *claimed.AssignedTo != "maria" {
		t.Fatalf("claim assignee: %+v", claimed.AssignedTo)
	}

	// claim propagated to the conversion stage
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/stages/conversion", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stage status %d", res.StatusCode)
	}
	var conv StageResponse
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatal(err)
	}
	if conv.Status != domain.StageInProgress {
		t.Fatalf("conversion stage = %s", conv.Status)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue/"+item.ID+"/submit", nil, maria)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue/"+item.ID+"/issues", map[string]any{
		"title": "invoice totals mismatch",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report issue status %d: %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatal(err)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/resolve", map[string]any{
		"notes": "fixed importer rounding",
	}, maria)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d", res.StatusCode)
	}

	// back through homologation to done
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue/"+item.ID+"/submit", nil, maria)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/queue/"+item.ID+"/approve", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var done QueueItemResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.QueueDone || done.CompletedAt == nil {
		t.Fatalf("approved item: %+v", done)
	}

	// audit trail recorded the whole story
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/events", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", res.StatusCode)
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 7 {
		t.Fatalf("expected a full audit trail, got %d events", len(events))
	}
	if events[0].ID <= events[1].ID {
		t.Fatalf("events not newest first")
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "Acme Corp")
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/queue", map[string]any{"project_id": p.ID}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/queue/stats", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", res.StatusCode)
	}
	var stats map[string]int
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats[domain.QueuePending] != 1 {
		t.Fatalf("pending = %d", stats[domain.QueuePending])
	}
	if _, ok := stats[domain.QueueDone]; !ok {
		t.Fatalf("stats should list every status")
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServerWithSecret(t, "test-secret")
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id":   "maria",
		"actor_name": "Maria Souza",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + body["token"],
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me map[string]string
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me["actor_id"] != "maria" || me["actor_name"] != "Maria Souza" {
		t.Fatalf("principal wrong: %+v", me)
	}
}

func newTestServerWithSecret(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: secret},
	})
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
