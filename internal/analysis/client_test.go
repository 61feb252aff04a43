package analysis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

func TestAnalyzeRepository(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/analyze/repository" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"analysis":"looks fine","model":"k2","tokens_in":100,"tokens_out":50}`))
	}))
	defer backend.Close()

	client := NewClient(backend.URL, "api-key")
	result, err := client.AnalyzeRepository(context.Background(), RepositoryRequest{
		RepoURL: "https://github.com/golang/go",
	})
	if err != nil {
		t.Fatalf("AnalyzeRepository: %v", err)
	}
	if result.Analysis != "looks fine" || result.Model != "k2" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer api-key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
}

func TestRepoURLValidation(t *testing.T) {
	client := NewClient("http://localhost:0", "key")
	cases := []string{
		"http://github.com/golang/go", // not https
		"https://evil.example.com/x/y",
		"https://github.com/onlyowner",
		"not a url",
	}
	for _, repoURL := range cases {
		_, err := client.AnalyzeRepository(context.Background(), RepositoryRequest{RepoURL: repoURL})
		if shared.CodeOf(err) != shared.CodeValidation {
			t.Errorf("%q: expected validation error, got %v", repoURL, err)
		}
	}
}

func TestAnalyzeCodeRejectsEmpty(t *testing.T) {
	client := NewClient("http://localhost:0", "key")
	_, err := client.AnalyzeCode(context.Background(), CodeRequest{Code: "   "})
	if shared.CodeOf(err) != shared.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDisabledClient(t *testing.T) {
	client := NewClient("", "")
	if client.Enabled() {
		t.Fatal("client without config must be disabled")
	}
	_, err := client.AnalyzeCode(context.Background(), CodeRequest{Code: "print(1)"})
	if shared.CodeOf(err) != shared.CodeDependency {
		t.Fatalf("expected dependency_unavailable, got %v", err)
	}
}

func TestBackendErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantCode  shared.ErrorCode
		transient bool
	}{
		{"rejected credentials", http.StatusUnauthorized, `{}`, shared.CodeDependency, false},
		{"rate limited", http.StatusTooManyRequests, `{}`, shared.CodeDependency, false},
		{"server error", http.StatusInternalServerError, `{}`, shared.CodeDependency, true},
		{"bad request", http.StatusBadRequest, `{"message":"unsupported language"}`, shared.CodeValidation, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer backend.Close()

			client := NewClient(backend.URL, "key")
			_, err := client.AnalyzeCode(context.Background(), CodeRequest{Code: "print(1)"})
			if shared.CodeOf(err) != tc.wantCode {
				t.Fatalf("expected %s, got %v", tc.wantCode, err)
			}
			if shared.IsTransient(err) != tc.transient {
				t.Fatalf("expected transient=%v, got %v", tc.transient, err)
			}
		})
	}
}

func TestHealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := NewClient(backend.URL, "key")
	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
}
