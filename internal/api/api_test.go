package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mustafabeshara/cloudbrowser/internal/analysis"
	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/config"
	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/session"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
	"github.com/Mustafabeshara/cloudbrowser/internal/vncproxy"
)

// stubRuntime satisfies container.Runtime without a container engine.
type stubRuntime struct {
	mu      sync.Mutex
	running map[string]bool
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{running: make(map[string]bool)}
}

func (s *stubRuntime) Start(ctx context.Context, spec container.StartSpec) (*container.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "ctr-" + uuid.NewString()[:8]
	s.running[id] = true
	return &container.Handle{
		ContainerID:   id,
		ContainerName: "browser-" + string(spec.BrowserType),
		DockerImage:   "kasmweb/" + string(spec.BrowserType) + ":1.14.0",
		VNCPort:       35901,
		WebPort:       36901,
	}, nil
}

func (s *stubRuntime) Stop(ctx context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, containerID)
	return nil
}

func (s *stubRuntime) Inspect(ctx context.Context, containerID string) (*container.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running[containerID] {
		return nil, shared.New(shared.CodeNotFound, "container not found")
	}
	return &container.Status{Running: true, CPUPercent: 5.5}, nil
}

func (s *stubRuntime) Ping(ctx context.Context) error                    { return nil }
func (s *stubRuntime) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }
func (s *stubRuntime) EnsureImages(ctx context.Context) error            { return nil }
func (s *stubRuntime) Info(ctx context.Context) (*container.SystemInfo, error) {
	return &container.SystemInfo{ServerVersion: "test"}, nil
}
func (s *stubRuntime) Close() error { return nil }

type testEnv struct {
	server *httptest.Server
	repo   store.Repository
	auth   *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := &config.Config{
		Port:        "8080",
		PublicHost:  "localhost",
		CORSOrigins: []string{"*"},
		JWTSecret:   "test-secret",
	}

	runtime := newStubRuntime()
	tokens := auth.NewTokenManager(cfg.JWTSecret, time.Hour, 24*time.Hour)
	authSvc := auth.NewService(repo, tokens, auth.AccountDefaults{})
	sessions := session.NewManager(repo, runtime, session.Config{
		PublicHost:       "localhost",
		ProvisionTimeout: 5 * time.Second,
		DefaultLimits:    domain.ResourceLimits{CPULimit: 1.0, MemoryLimit: "2g", StorageLimit: "10g"},
	})
	sweeper := session.NewSweeper(repo, runtime, time.Minute, 24*time.Hour)
	analysisClient := analysis.NewClient("", "")

	handler := NewHandler(cfg, repo, runtime, sessions, sweeper, authSvc, analysisClient)
	vnc := vncproxy.New(sessions, repo, "127.0.0.1", cfg.CORSOrigins, handler.WriteError)

	server := httptest.NewServer(handler.Router(vnc))
	t.Cleanup(server.Close)

	return &testEnv{server: server, repo: repo, auth: authSvc}
}

// call performs a JSON request and decodes the response envelope.
func (e *testEnv) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var envelope map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, envelope
}

// signup registers and logs a user in, returning an access token.
func (e *testEnv) signup(t *testing.T, email string) string {
	t.Helper()
	status, _ := e.call(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "long enough password",
	})
	if status != http.StatusCreated {
		t.Fatalf("register: status %d", status)
	}

	status, envelope := e.call(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "long enough password",
	})
	if status != http.StatusOK {
		t.Fatalf("login: status %d", status)
	}
	data := envelope["data"].(map[string]any)
	tokens := data["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func (e *testEnv) signupAdmin(t *testing.T, email string) string {
	t.Helper()
	if err := e.auth.BootstrapAdmin(context.Background(), email, "admin password!"); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	status, envelope := e.call(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "admin password!",
	})
	if status != http.StatusOK {
		t.Fatalf("admin login: status %d", status)
	}
	data := envelope["data"].(map[string]any)
	return data["tokens"].(map[string]any)["access_token"].(string)
}

func sessionID(t *testing.T, envelope map[string]any) string {
	t.Helper()
	data := envelope["data"].(map[string]any)
	sess := data["session"].(map[string]any)
	return sess["id"].(string)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "alice@example.com")

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{
		"browser_type": "firefox",
		"session_name": "research",
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d body %v", status, envelope)
	}
	id := sessionID(t, envelope)

	status, envelope = env.call(t, http.MethodGet, "/api/v1/sessions/"+id, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d", status)
	}
	data := envelope["data"].(map[string]any)
	if data["container_status"] == nil {
		t.Fatal("expected live container status for a running session")
	}

	status, envelope = env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/access", token, nil)
	if status != http.StatusOK {
		t.Fatalf("access: status %d", status)
	}
	data = envelope["data"].(map[string]any)
	if data["vnc_password"] == "" || data["access_url"] == "" {
		t.Fatal("access must return connection details")
	}

	status, _ = env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/extend", token, map[string]int{"hours": 2})
	if status != http.StatusOK {
		t.Fatalf("extend: status %d", status)
	}

	status, _ = env.call(t, http.MethodPut, "/api/v1/sessions/"+id, token, map[string]string{"session_name": "renamed"})
	if status != http.StatusOK {
		t.Fatalf("update: status %d", status)
	}

	status, envelope = env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", token, nil)
	if status != http.StatusOK {
		t.Fatalf("stop: status %d", status)
	}
	data = envelope["data"].(map[string]any)
	if data["session"].(map[string]any)["status"] != "stopped" {
		t.Fatalf("expected stopped, got %v", data["session"].(map[string]any)["status"])
	}

	status, _ = env.call(t, http.MethodDelete, "/api/v1/sessions/"+id, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete: status %d", status)
	}

	status, _ = env.call(t, http.MethodGet, "/api/v1/sessions/"+id, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t)

	status, envelope := env.call(t, http.MethodGet, "/api/v1/sessions", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if envelope["success"] != false {
		t.Fatal("error envelope must have success=false")
	}
	errBody := envelope["error"].(map[string]any)
	if errBody["code"] != string(shared.CodeUnauthorized) {
		t.Fatalf("expected unauthorized code, got %v", errBody["code"])
	}
	if envelope["timestamp"] == nil {
		t.Fatal("envelope must carry a timestamp")
	}
}

func TestVNCRejectsStoppedSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "frank@example.com")

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	id := sessionID(t, envelope)
	if status, _ := env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", token, nil); status != http.StatusOK {
		t.Fatalf("stop: status %d", status)
	}

	status, _ = env.call(t, http.MethodGet, "/api/v1/sessions/"+id+"/vnc", token, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for stopped session, got %d", status)
	}
}

func TestQuotaEndpointAndLimit(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "bob@example.com")

	for i := 0; i < domain.DefaultMaxContainers; i++ {
		status, _ := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{})
		if status != http.StatusCreated {
			t.Fatalf("create %d: status %d", i, status)
		}
	}

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{})
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	errBody := envelope["error"].(map[string]any)
	if errBody["code"] != string(shared.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded, got %v", errBody["code"])
	}

	status, envelope = env.call(t, http.MethodGet, "/api/v1/sessions/quota", token, nil)
	if status != http.StatusOK {
		t.Fatalf("quota: status %d", status)
	}
	data := envelope["data"].(map[string]any)
	if data["used"].(float64) != float64(domain.DefaultMaxContainers) || data["remaining"].(float64) != 0 {
		t.Fatalf("unexpected quota payload: %v", data)
	}
}

func TestListSessionsFilters(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "carol@example.com")

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	id := sessionID(t, envelope)
	if status, _ := env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", token, nil); status != http.StatusOK {
		t.Fatalf("stop: status %d", status)
	}

	status, envelope = env.call(t, http.MethodGet, "/api/v1/sessions?status=stopped", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	data := envelope["data"].(map[string]any)
	if data["total"].(float64) != 1 {
		t.Fatalf("expected 1 stopped session, got %v", data["total"])
	}

	status, _ = env.call(t, http.MethodGet, "/api/v1/sessions?status=bogus", token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", status)
	}
}

func TestSessionsAreIsolatedBetweenUsers(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.signup(t, "alice2@example.com")
	eveToken := env.signup(t, "eve@example.com")

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", aliceToken, map[string]string{})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	id := sessionID(t, envelope)

	status, _ = env.call(t, http.MethodGet, "/api/v1/sessions/"+id, eveToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", status)
	}

	status, envelope = env.call(t, http.MethodGet, "/api/v1/sessions", eveToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	if envelope["data"].(map[string]any)["total"].(float64) != 0 {
		t.Fatal("users must not see each other's sessions")
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	userToken := env.signup(t, "pleb@example.com")
	adminToken := env.signupAdmin(t, "root@example.com")

	status, _ := env.call(t, http.MethodGet, "/api/v1/admin/users", userToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", status)
	}

	status, envelope := env.call(t, http.MethodGet, "/api/v1/admin/users", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("admin users: status %d", status)
	}
	if envelope["data"].(map[string]any)["total"].(float64) != 2 {
		t.Fatalf("expected 2 users, got %v", envelope["data"])
	}

	status, _ = env.call(t, http.MethodGet, "/api/v1/admin/stats", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("admin stats: status %d", status)
	}

	status, _ = env.call(t, http.MethodPost, "/api/v1/sessions/cleanup", userToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("cleanup must be admin-only, got %d", status)
	}
	status, _ = env.call(t, http.MethodPost, "/api/v1/sessions/cleanup", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("admin cleanup: status %d", status)
	}
}

func TestAdminCanAdjustUserQuota(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "grace@example.com")
	adminToken := env.signupAdmin(t, "root2@example.com")

	user, err := env.repo.GetUserByEmail(context.Background(), "grace@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}

	status, _ := env.call(t, http.MethodPut, "/api/v1/admin/users/"+user.ID, adminToken,
		map[string]any{"max_containers": 5})
	if status != http.StatusOK {
		t.Fatalf("update user: status %d", status)
	}

	updated, err := env.repo.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if updated.MaxContainers != 5 {
		t.Fatalf("expected quota 5, got %d", updated.MaxContainers)
	}

	status, _ = env.call(t, http.MethodPut, "/api/v1/admin/users/"+user.ID, adminToken,
		map[string]any{"max_containers": 99})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range quota, got %d", status)
	}
}

func TestAnalyzeWithoutBackendReturns503(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dora@example.com")

	status, _ := env.call(t, http.MethodPost, "/api/v1/analyze/repository", token,
		map[string]string{"repo_url": "https://github.com/golang/go"})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with analysis disabled, got %d", status)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, envelope := env.call(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	if envelope["success"] != true {
		t.Fatal("health must use the success envelope")
	}

	status, envelope = env.call(t, http.MethodGet, "/health/ready", "", nil)
	if status != http.StatusOK {
		t.Fatalf("ready: status %d body %v", status, envelope)
	}
	checks := envelope["data"].(map[string]any)["checks"].(map[string]any)
	if checks["database"] != "ok" || checks["docker"] != "ok" {
		t.Fatalf("unexpected readiness checks: %v", checks)
	}
}

func TestAuditTrailIsWritten(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "henry@example.com")
	adminToken := env.signupAdmin(t, "root3@example.com")

	status, envelope := env.call(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	id := sessionID(t, envelope)

	status, envelope = env.call(t, http.MethodGet,
		fmt.Sprintf("/api/v1/admin/audit?session_id=%s", id), adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("audit: status %d", status)
	}
	entries := envelope["data"].(map[string]any)["entries"].([]any)
	if len(entries) < 2 {
		t.Fatalf("expected created and started audit entries, got %d", len(entries))
	}
}
