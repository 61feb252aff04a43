// Package analysis is the client for the external AI code-analysis backend.
// The service plays pass-through: it forwards analysis requests with its
// configured API key and maps backend failures onto the shared error codes.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

// RepositoryRequest asks for an analysis of a hosted Git repository.
type RepositoryRequest struct {
	RepoURL  string `json:"repo_url"`
	Branch   string `json:"branch,omitempty"`
	Question string `json:"question,omitempty"`
}

// CodeRequest asks for an analysis of an inline code snippet.
type CodeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	Question string `json:"question,omitempty"`
}

// Result is the backend's analysis answer, passed through verbatim.
type Result struct {
	Analysis  string         `json:"analysis"`
	Model     string         `json:"model,omitempty"`
	TokensIn  int            `json:"tokens_in,omitempty"`
	TokensOut int            `json:"tokens_out,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Client calls the analysis backend over HTTP with bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an analysis client. Analysis calls can be slow; the
// timeout covers model inference, not just transport.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Enabled reports whether the backend is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// AnalyzeRepository submits a repository for analysis.
func (c *Client) AnalyzeRepository(ctx context.Context, req RepositoryRequest) (*Result, error) {
	if err := validateRepoURL(req.RepoURL); err != nil {
		return nil, err
	}
	return c.post(ctx, "/v1/analyze/repository", req)
}

// AnalyzeCode submits an inline snippet for analysis.
func (c *Client) AnalyzeCode(ctx context.Context, req CodeRequest) (*Result, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, shared.New(shared.CodeValidation, "code must not be empty")
	}
	return c.post(ctx, "/v1/analyze/code", req)
}

// Healthy probes the backend's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return shared.Wrap(shared.CodeDependency, "analysis backend unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return shared.New(shared.CodeDependency,
			fmt.Sprintf("analysis backend unhealthy: status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*Result, error) {
	if !c.Enabled() {
		return nil, shared.New(shared.CodeDependency, "analysis backend is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, shared.WrapTransient(shared.CodeDependency, "analysis backend unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, shared.New(shared.CodeDependency, "analysis backend rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, shared.New(shared.CodeDependency, "analysis backend is rate limiting")
	case resp.StatusCode >= 500:
		return nil, shared.WrapTransient(shared.CodeDependency,
			fmt.Sprintf("analysis backend error: status %d", resp.StatusCode), nil)
	default:
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := fmt.Sprintf("analysis request failed: status %d", resp.StatusCode)
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil {
			if apiErr.Message != "" {
				msg = apiErr.Message
			} else if apiErr.Error != "" {
				msg = apiErr.Error
			}
		}
		return nil, shared.New(shared.CodeValidation, msg)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, shared.Wrap(shared.CodeDependency, "decode analysis response", err)
	}
	return &result, nil
}

// validateRepoURL accepts https URLs on the known Git hosts.
func validateRepoURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" {
		return shared.New(shared.CodeValidation, "repo_url must be an https URL")
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "github.com", "gitlab.com", "bitbucket.org":
	default:
		return shared.New(shared.CodeValidation, fmt.Sprintf("unsupported repository host %q", host))
	}
	if strings.Count(strings.Trim(u.Path, "/"), "/") < 1 {
		return shared.New(shared.CodeValidation, "repo_url must include owner and repository")
	}
	return nil
}
