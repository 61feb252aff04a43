package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// run feeds newline-delimited requests to a server and collects responses.
func run(t *testing.T, srv *Server, input string) []map[string]any {
	t.Helper()

	var out bytes.Buffer
	srv.reader = strings.NewReader(input)
	srv.writer = &out

	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var responses []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeHandshake(t *testing.T) {
	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient("http://localhost:0", "token"))

	responses := run(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`+"\n"+
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")

	if len(responses) != 1 {
		t.Fatalf("expected 1 response (notification gets none), got %d", len(responses))
	}
	result := responses[0]["result"].(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("unexpected protocol version %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "cloud-browser" {
		t.Fatalf("unexpected server name %v", info["name"])
	}
}

func TestToolsListExposesSessionTools(t *testing.T) {
	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient("http://localhost:0", "token"))

	responses := run(t, srv, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`+"\n")
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}

	tools := responses[0]["result"].(map[string]any)["tools"].([]any)
	names := make(map[string]bool)
	for _, raw := range tools {
		names[raw.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{
		"list_browser_sessions", "create_browser_session", "stop_browser_session",
		"extend_browser_session", "access_browser_session", "analyze_repository",
	} {
		if !names[want] {
			t.Fatalf("missing tool %s in %v", want, names)
		}
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient("http://localhost:0", "token"))

	responses := run(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"bogus_tool"}}`+"\n")

	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}

	rpcErr := responses[0]["error"].(map[string]any)
	if int(rpcErr["code"].(float64)) != errCodeMethodNotFound {
		t.Fatalf("expected method-not-found code, got %v", rpcErr["code"])
	}

	// Unknown tools are a tool-level error, not a protocol error.
	result := responses[1]["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected isError result, got %v", result)
	}
}

func TestToolCallHitsAPI(t *testing.T) {
	var gotAuth, gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"sessions retrieved","data":{"sessions":[],"total":0}}`))
	}))
	defer backend.Close()

	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient(backend.URL, "secret-token"))

	responses := run(t, srv,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_browser_sessions","arguments":{}}}`+"\n")

	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	result := responses[0]["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("tool call failed: %v", result)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotPath != "/api/v1/sessions" {
		t.Fatalf("unexpected path %q", gotPath)
	}

	content := result["content"].([]any)[0].(map[string]any)
	if !strings.Contains(content["text"].(string), `"total": 0`) {
		t.Fatalf("expected pretty-printed data, got %q", content["text"])
	}
}

func TestToolCallSurfacesAPIError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"error":{"code":"quota_exceeded","message":"maximum number of containers (3) reached"}}`))
	}))
	defer backend.Close()

	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient(backend.URL, "token"))

	responses := run(t, srv,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"create_browser_session","arguments":{"browser_type":"firefox"}}}`+"\n")

	result := responses[0]["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatal("expected isError for API failure")
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "quota_exceeded") {
		t.Fatalf("expected error code in text, got %q", text)
	}
}

func TestMissingSessionIDArgument(t *testing.T) {
	srv := NewServer("cloud-browser", "test")
	RegisterTools(srv, NewAPIClient("http://localhost:0", "token"))

	responses := run(t, srv,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"stop_browser_session","arguments":{}}}`+"\n")

	result := responses[0]["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatal("expected isError for missing session_id")
	}
}
