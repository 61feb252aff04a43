// Package api implements the HTTP interface: routing, request decoding, and
// the uniform response envelope.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mustafabeshara/cloudbrowser/internal/analysis"
	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/config"
	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/session"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

// Handler carries the service dependencies for all HTTP endpoints.
type Handler struct {
	cfg      *config.Config
	repo     store.Repository
	runtime  container.Runtime
	sessions *session.Manager
	sweeper  *session.Sweeper
	auth     *auth.Service
	analysis *analysis.Client
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	cfg *config.Config,
	repo store.Repository,
	runtime container.Runtime,
	sessions *session.Manager,
	sweeper *session.Sweeper,
	authSvc *auth.Service,
	analysisClient *analysis.Client,
) *Handler {
	return &Handler{
		cfg:      cfg,
		repo:     repo,
		runtime:  runtime,
		sessions: sessions,
		sweeper:  sweeper,
		auth:     authSvc,
		analysis: analysisClient,
	}
}

// envelope is the uniform success response body.
type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type errorBody struct {
	Code    shared.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details any              `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success   bool      `json:"success"`
	Error     errorBody `json:"error"`
	Timestamp string    `json:"timestamp"`
}

// respond writes a success envelope.
func (h *Handler) respond(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// respondError maps an error onto the failure envelope. Internal causes are
// logged but never leaked to the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := shared.HTTPStatus(err)

	body := errorBody{Code: shared.CodeOf(err), Message: "an internal error occurred"}
	var domainErr *shared.Error
	if errors.As(err, &domainErr) {
		body.Message = domainErr.Message
		body.Details = domainErr.Details
	}

	if status >= 500 {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", body.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorEnvelope{
		Error:     body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); encodeErr != nil {
		slog.Error("Failed to encode error response", "error", encodeErr)
	}
}

// WriteError renders err in the failure envelope. Exported for the websocket
// proxy, which renders errors before upgrading.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	h.respondError(w, r, err)
}

// decode reads a JSON request body into dst.
func (h *Handler) decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return shared.Wrap(shared.CodeValidation, "invalid request body", err)
	}
	return nil
}
