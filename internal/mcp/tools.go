package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient calls the cloud browser REST API on behalf of MCP tools.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a REST client for the tool layer.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 150 * time.Second},
	}
}

// do performs one API call and returns the envelope's data field, pretty
// printed for the assistant.
func (c *APIClient) do(ctx context.Context, method, path string, payload any) (string, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud browser API unreachable: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode API response (status %d): %w", resp.StatusCode, err)
	}

	if !envelope.Success {
		if envelope.Error != nil {
			return "", fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return "", fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if len(envelope.Data) == 0 {
		return envelope.Message, nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, envelope.Data, "", "  "); err != nil {
		return string(envelope.Data), nil
	}
	return pretty.String(), nil
}

// objectSchema builds a JSON schema for a tool's arguments.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// RegisterTools attaches the browser session and code analysis tools to srv.
func RegisterTools(srv *Server, client *APIClient) {
	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "list_browser_sessions",
			Description: "List your cloud browser sessions with their status and expiry.",
			InputSchema: objectSchema(map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter by status: creating, running, stopping, stopped, error, expired.",
				},
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Status string `json:"status"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}
			path := "/sessions"
			if params.Status != "" {
				path += "?status=" + params.Status
			}
			return runTool(client.do(ctx, http.MethodGet, path, nil))
		},
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "create_browser_session",
			Description: "Launch an isolated browser session in a container. Returns connection details.",
			InputSchema: objectSchema(map[string]any{
				"browser_type": map[string]any{
					"type":        "string",
					"description": "Browser to launch: firefox, chrome, or chromium. Default firefox.",
				},
				"session_name": map[string]any{
					"type":        "string",
					"description": "Display name for the session.",
				},
				"initial_url": map[string]any{
					"type":        "string",
					"description": "URL the browser opens on start.",
				},
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}
			return runTool(client.do(ctx, http.MethodPost, "/sessions", params))
		},
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "get_browser_session",
			Description: "Fetch one browser session, including live container resource usage.",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
			}, "session_id"),
		},
		Execute: sessionIDTool(client, http.MethodGet, ""),
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "access_browser_session",
			Description: "Get the access URL and VNC password for a running session.",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
			}, "session_id"),
		},
		Execute: sessionIDTool(client, http.MethodPost, "/access"),
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "extend_browser_session",
			Description: "Push a running session's expiry further out.",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
				"hours": map[string]any{
					"type":        "integer",
					"description": "Hours to add. Default 1.",
				},
			}, "session_id"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				SessionID string `json:"session_id"`
				Hours     int    `json:"hours"`
			}
			if err := json.Unmarshal(args, &params); err != nil || params.SessionID == "" {
				return ErrorResult("session_id is required")
			}
			return runTool(client.do(ctx, http.MethodPost,
				"/sessions/"+params.SessionID+"/extend",
				map[string]int{"hours": params.Hours}))
		},
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "stop_browser_session",
			Description: "Stop a browser session and tear down its container.",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
			}, "session_id"),
		},
		Execute: sessionIDTool(client, http.MethodPost, "/stop"),
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "delete_browser_session",
			Description: "Delete a browser session record, stopping it first if still active.",
			InputSchema: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
			}, "session_id"),
		},
		Execute: sessionIDTool(client, http.MethodDelete, ""),
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "analyze_repository",
			Description: "Run AI code analysis over a hosted Git repository.",
			InputSchema: objectSchema(map[string]any{
				"repo_url": map[string]any{"type": "string"},
				"branch":   map[string]any{"type": "string"},
				"question": map[string]any{
					"type":        "string",
					"description": "Optional question to focus the analysis on.",
				},
			}, "repo_url"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params map[string]any
			if err := json.Unmarshal(args, &params); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			return runTool(client.do(ctx, http.MethodPost, "/analyze/repository", params))
		},
	})

	srv.AddTool(Tool{
		Definition: ToolDefinition{
			Name:        "analyze_code",
			Description: "Run AI code analysis over an inline code snippet.",
			InputSchema: objectSchema(map[string]any{
				"code":     map[string]any{"type": "string"},
				"language": map[string]any{"type": "string"},
				"question": map[string]any{"type": "string"},
			}, "code"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
			var params map[string]any
			if err := json.Unmarshal(args, &params); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			return runTool(client.do(ctx, http.MethodPost, "/analyze/code", params))
		},
	})
}

// sessionIDTool builds an executor for tools whose only argument is a
// session ID.
func sessionIDTool(client *APIClient, method, suffix string) func(ctx context.Context, args json.RawMessage) ToolCallResult {
	return func(ctx context.Context, args json.RawMessage) ToolCallResult {
		var params struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &params); err != nil || params.SessionID == "" {
			return ErrorResult("session_id is required")
		}
		return runTool(client.do(ctx, method, "/sessions/"+params.SessionID+suffix, nil))
	}
}

func runTool(text string, err error) ToolCallResult {
	if err != nil {
		return ErrorResult(err.Error())
	}
	return TextResult(text)
}
