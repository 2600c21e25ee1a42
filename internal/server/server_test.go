package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/engine"
	"agentboard/internal/migrate"
)

const (
	testOwnerPassword = "owner-pw"
	testAPIKey        = "agent-key"
)

var ownerHeaders = map[string]string{"x-owner-password": testOwnerPassword}

func agentHeaders(id, role string) map[string]string {
	return map[string]string{
		"x-api-key":    testAPIKey,
		"x-agent-id":   id,
		"x-agent-role": role,
	}
}

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
		Engine: e,
		Auth: AuthConfig{
			OwnerPassword: testOwnerPassword,
			AgentAPIKey:   testAPIKey,
			SessionSecret: "test-session-secret",
		},
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

func createCard(t *testing.T, srv *testServer, body map[string]any, headers map[string]string) CardResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card status %d: %s", res.StatusCode, string(data))
	}
	var c CardResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	return c
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var h HealthResponse
	if err := json.Unmarshal(data, &h); err != nil || h.Status != "ok" {
		t.Fatalf("unexpected health body: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/cards", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/cards", nil, map[string]string{"x-owner-password": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/cards", nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with owner password, got %d", res.StatusCode)
	}
}

func TestClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "grab me", "status": "To Do", "owner_agent": nil}, ownerHeaders)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/claim", nil, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil || claim.OwnerAgent != "agent-a" {
		t.Fatalf("unexpected claim body: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/claim", nil, agentHeaders("agent-b", "agent"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error        string `json:"error"`
		CurrentOwner string `json:"current_owner"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal conflict: %v", err)
	}
	if body.CurrentOwner != "agent-a" {
		t.Fatalf("conflict should name the winner, got %q", body.CurrentOwner)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/missing/claim", nil, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown card, got %d", res.StatusCode)
	}
}

func TestTransitionPolicy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "workflow", "status": "To Do", "owner_agent": "agent-a"}, ownerHeaders)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/transition", map[string]any{"status": "Ongoing"}, agentHeaders("agent-b", "agent"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d: %s", res.StatusCode, string(data))
	}
	var denial struct {
		Error      string `json:"error"`
		Reason     string `json:"reason"`
		FromStatus string `json:"from_status"`
		ToStatus   string `json:"to_status"`
	}
	if err := json.Unmarshal(data, &denial); err != nil {
		t.Fatalf("unmarshal denial: %v", err)
	}
	if denial.Reason == "" || denial.FromStatus != "To Do" || denial.ToStatus != "Ongoing" {
		t.Fatalf("denial body incomplete: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/transition", map[string]any{"status": "Ongoing"}, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner transition status %d: %s", res.StatusCode, string(data))
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.ToStatus != "Ongoing" {
		t.Fatalf("unexpected transition body: %s", string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/transition", map[string]any{"status": "Done"}, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent finishing work, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/transition", map[string]any{"status": "Done"}, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("founder to Done status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/transition", map[string]any{}, ownerHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing status, got %d", res.StatusCode)
	}
}

func TestUpdateAndDeleteRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "editable", "owner_agent": nil}, ownerHeaders)

	// Unassigned card: agents are locked out of general updates.
	res, _ := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/tasks/"+c.ID, map[string]any{"title": "hijacked"}, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on unassigned update, got %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/tasks/"+c.ID, map[string]any{"owner_agent": "agent-a", "priority": "High"}, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner update status %d: %s", res.StatusCode, string(data))
	}
	var updated CardResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.OwnerAgent == nil || *updated.OwnerAgent != "agent-a" || updated.Priority != "High" {
		t.Fatalf("update not applied: %s", string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/tasks/"+c.ID, nil, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent delete, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/tasks/"+c.ID, nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner delete status %d: %s", res.StatusCode, string(data))
	}
	var del DeleteResponse
	if err := json.Unmarshal(data, &del); err != nil || !del.Success {
		t.Fatalf("unexpected delete body: %s", string(data))
	}
}

func TestCommentsAndActivity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "noisy"}, agentHeaders("agent-a", "agent"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/comment", map[string]any{"content": "looking into it"}, agentHeaders("agent-a", "agent"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("comment status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/comment", map[string]any{"content": ""}, ownerHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty comment, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/missing/comment", map[string]any{"content": "hi"}, ownerHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown card, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/cards/"+c.ID+"/comments", nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list comments status %d: %s", res.StatusCode, string(data))
	}
	var comments []CommentResponse
	if err := json.Unmarshal(data, &comments); err != nil || len(comments) != 1 {
		t.Fatalf("unexpected comments: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/activity", nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, string(data))
	}
	var entries []ActivityResponse
	if err := json.Unmarshal(data, &entries); err != nil || len(entries) == 0 {
		t.Fatalf("expected activity entries: %s", string(data))
	}
	if entries[0].ActorID != "agent-a" {
		t.Fatalf("activity should record the actor, got %+v", entries[0])
	}
}

func TestSessionTokens(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/session", map[string]any{"password": "wrong"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/session", map[string]any{"password": testOwnerPassword}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil || session.Token == "" {
		t.Fatalf("expected token: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/stats", nil, map[string]string{"Authorization": "Bearer " + session.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer stats status %d: %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if len(stats.ByStatus) != 6 {
		t.Fatalf("stats should cover all statuses, got %+v", stats.ByStatus)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/stats", nil, map[string]string{"Authorization": "Bearer bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAgentDefaultsToMember(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "member test", "status": "To Do", "owner_agent": nil}, ownerHeaders)

	// No role header: the key authenticates but the caller is a member, so a
	// claim is refused.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/cards/"+c.ID+"/claim", nil, map[string]string{
		"x-api-key":  testAPIKey,
		"x-agent-id": "watcher",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for member claim, got %d: %s", res.StatusCode, string(data))
	}
}
