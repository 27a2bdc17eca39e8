package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgsage/pgsage/internal/api"
	"github.com/pgsage/pgsage/internal/auth"
	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

type stubIntrospector struct {
	snap *introspect.Snapshot
	err  error
}

func (s *stubIntrospector) Collect(ctx context.Context, dsn string) (*introspect.Snapshot, error) {
	return s.snap, s.err
}

type stubAdvisor struct {
	suggestions []models.Suggestion
	err         error
}

func (s *stubAdvisor) Suggest(ctx context.Context, snap *introspect.Snapshot, usage []models.ColumnUsage) ([]models.Suggestion, error) {
	return s.suggestions, s.err
}

func pipelineSnapshot() *introspect.Snapshot {
	return &introspect.Snapshot{
		CollectedAt: time.Now().UTC(),
		Tables: []introspect.Table{
			{
				Name:        "orders",
				RowEstimate: 1000,
				Columns: []introspect.Column{
					{Name: "id", DataType: "bigint"},
					{Name: "customer_id", DataType: "bigint"},
				},
				PrimaryKey: []string{"id"},
				Indexes:    []introspect.Index{{Name: "orders_pkey", Columns: []string{"id"}, Unique: true}},
				ForeignKeys: []introspect.ForeignKey{
					{Name: "orders_customer_id_fkey", Columns: []string{"customer_id"}, RefTable: "customers", RefColumns: []string{"id"}},
				},
			},
			{
				Name:        "audit_log",
				Columns:     []introspect.Column{{Name: "event", DataType: "text"}},
				RowEstimate: 10,
			},
		},
	}
}

func setupTestServer(t *testing.T, opts api.ServerOptions) (*api.Server, database.DB) {
	t.Helper()
	db, err := database.OpenSQLite(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if opts.Introspector == nil {
		opts.Introspector = &stubIntrospector{snap: pipelineSnapshot()}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	authSvc := auth.NewService("test-secret-test-secret", 24*time.Hour)
	server := api.NewServer(db, authSvc, opts)
	return server, db
}

type testClient struct {
	t     *testing.T
	base  string
	token string
}

func (c *testClient) do(method, path, body string) (*http.Response, []byte) {
	c.t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (c *testClient) register(username string) {
	c.t.Helper()
	body := fmt.Sprintf(`{"username":%q,"email":"%s@example.com","password":"secret-password"}`, username, username)
	resp, data := c.do(http.MethodPost, "/api/v1/auth/register", body)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register: expected 201, got %d: %s", resp.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
	}
	json.Unmarshal(data, &out)
	if out.Token == "" {
		c.t.Fatal("expected token in register response")
	}
	c.token = out.Token
}

func (c *testClient) createProject(name string) int64 {
	c.t.Helper()
	body := fmt.Sprintf(`{"name":%q,"database_dsn":"postgres://app:pw@db/app"}`, name)
	resp, data := c.do(http.MethodPost, "/api/v1/projects", body)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create project: expected 201, got %d: %s", resp.StatusCode, data)
	}
	var project struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(data, &project)
	if project.ID == 0 {
		c.t.Fatalf("no project id in response: %s", data)
	}
	if strings.Contains(string(data), "database_dsn") || strings.Contains(string(data), "postgres://app") {
		c.t.Fatalf("DSN leaked into response: %s", data)
	}
	return project.ID
}

func (c *testClient) waitForRefresh(projectID int64) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := c.do(http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/refresh", projectID), "")
		if resp.StatusCode != http.StatusOK {
			c.t.Fatalf("refresh status: got %d: %s", resp.StatusCode, data)
		}
		var status struct {
			Schema *models.RefreshJob `json:"schema_refresh"`
		}
		json.Unmarshal(data, &status)
		if status.Schema != nil && status.Schema.Status == models.RefreshJobCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatal("schema refresh never completed")
}

func TestRegisterAndLogin(t *testing.T) {
	server, _ := setupTestServer(t, api.ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	c := &testClient{t: t, base: ts.URL}
	c.register("alice")

	resp, data := c.do(http.MethodPost, "/api/v1/auth/login", `{"username":"alice","password":"secret-password"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", resp.StatusCode, data)
	}

	resp, _ = c.do(http.MethodPost, "/api/v1/auth/login", `{"username":"alice","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", resp.StatusCode)
	}

	resp, data = c.do(http.MethodGet, "/api/v1/user", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current user: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), `"alice"`) {
		t.Fatalf("unexpected user payload: %s", data)
	}
}

func TestProjectOwnershipAndConflicts(t *testing.T) {
	server, _ := setupTestServer(t, api.ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	alice := &testClient{t: t, base: ts.URL}
	alice.register("alice")
	projectID := alice.createProject("shop")

	// Creating a project queues the first refresh, so a manual trigger
	// conflicts until it drains.
	resp, _ := alice.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/refresh", projectID), "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("refresh while queued: expected 409, got %d", resp.StatusCode)
	}

	// Another user cannot see the project.
	bob := &testClient{t: t, base: ts.URL}
	bob.register("bob")
	resp, _ = bob.do(http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", projectID), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign project: expected 404, got %d", resp.StatusCode)
	}

	// Unauthenticated requests are rejected.
	anon := &testClient{t: t, base: ts.URL}
	resp, _ = anon.do(http.MethodGet, "/api/v1/projects", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anon list: expected 401, got %d", resp.StatusCode)
	}
}

func TestScanTriggerEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, api.ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	c := &testClient{t: t, base: ts.URL}
	c.register("alice")

	// No repository configured.
	plainID := c.createProject("shop")
	resp, data := c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/scans", plainID), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("scan without repo: expected 400, got %d: %s", resp.StatusCode, data)
	}

	body := `{"name":"shop-repo","database_dsn":"postgres://app:pw@db/app","github_owner":"acme","github_repo":"shop"}`
	resp, data = c.do(http.MethodPost, "/api/v1/projects", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d: %s", resp.StatusCode, data)
	}
	var project struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(data, &project)

	// Creating a repo-backed project already queued a scan, so a manual
	// trigger conflicts until it drains.
	resp, _ = c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/scans", project.ID), "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("scan while queued: expected 409, got %d", resp.StatusCode)
	}
}

func TestRefreshPipelineAndSuggestionLifecycle(t *testing.T) {
	advisor := &stubAdvisor{suggestions: []models.Suggestion{{
		Kind: models.KindAdvisor, TableName: "orders", Title: "Consider a partial index",
		Severity: models.SeverityInfo, Source: models.SourceLLM,
		Status: models.SuggestionOpen, Fingerprint: "advisor:orders:",
	}}}
	server, _ := setupTestServer(t, api.ServerOptions{Advisor: advisor})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx := context.Background()
	if err := server.StartBackgroundWorkers(ctx); err != nil {
		t.Fatal(err)
	}
	defer server.StopBackgroundWorkers(context.Background())

	c := &testClient{t: t, base: ts.URL}
	c.register("carol")
	projectID := c.createProject("shop")
	c.waitForRefresh(projectID)

	// Schema endpoint serves the stored snapshot.
	resp, data := c.do(http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/schema", projectID), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schema: expected 200, got %d: %s", resp.StatusCode, data)
	}
	if !strings.Contains(string(data), `"orders"`) {
		t.Fatalf("schema payload missing table: %s", data)
	}

	resp, data = c.do(http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/suggestions?status=open", projectID), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suggestions: expected 200, got %d", resp.StatusCode)
	}
	var suggestions []models.Suggestion
	json.Unmarshal(data, &suggestions)

	var fkID, pkID int64
	for _, s := range suggestions {
		switch s.Kind {
		case models.KindMissingFKIndex:
			fkID = s.ID
		case models.KindNoPrimaryKey:
			pkID = s.ID
		}
	}
	if fkID == 0 || pkID == 0 {
		t.Fatalf("expected fk and pk suggestions, got %s", data)
	}
	if !strings.Contains(string(data), `"advisor"`) {
		t.Fatalf("advisor suggestion missing: %s", data)
	}

	// Apply the index suggestion.
	resp, data = c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/suggestions/%d/apply", projectID, fkID), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var applied models.Suggestion
	json.Unmarshal(data, &applied)
	if applied.Status != models.SuggestionApplied || applied.AppliedVia != "manual" {
		t.Fatalf("apply result = %+v", applied)
	}

	// Applying twice conflicts.
	resp, _ = c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/suggestions/%d/apply", projectID, fkID), "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double apply: expected 409, got %d", resp.StatusCode)
	}

	// Dismiss the primary key suggestion with a reason.
	resp, data = c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/suggestions/%d/dismiss", projectID, pkID), `{"reason":"legacy table"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dismiss: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var dismissed models.Suggestion
	json.Unmarshal(data, &dismissed)
	if dismissed.Status != models.SuggestionDismissed || dismissed.DismissReason != "legacy table" {
		t.Fatalf("dismiss result = %+v", dismissed)
	}

	// A second refresh regenerates the same findings but does not
	// resurrect the applied or dismissed rows.
	resp, _ = c.do(http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/refresh", projectID), "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second refresh: expected 202, got %d", resp.StatusCode)
	}
	c.waitForRefresh(projectID)

	resp, data = c.do(http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/suggestions?status=open&kind=%s", projectID, models.KindMissingFKIndex), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suggestions after second refresh: got %d", resp.StatusCode)
	}
	json.Unmarshal(data, &suggestions)
	if len(suggestions) != 0 {
		t.Fatalf("applied suggestion came back: %s", data)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, api.ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status   string `json:"status"`
		Database struct {
			Reachable bool `json:"reachable"`
		} `json:"database"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "ok" || !health.Database.Reachable {
		t.Fatalf("health = %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, api.ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Generate one counted request first.
	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "pgsage_http_requests_total") {
		t.Fatal("metrics output missing request counter")
	}
}
