package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/session"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

// listSessions handles GET /sessions with status, browser_type, page, and
// per_page query filters.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	filter := store.SessionFilter{
		Page:    queryInt(r, "page", 1),
		PerPage: queryInt(r, "per_page", 20),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if !domain.IsValidStatus(domain.SessionStatus(status)) {
			h.respondError(w, r, shared.New(shared.CodeValidation, "unknown status filter"))
			return
		}
		filter.Status = domain.SessionStatus(status)
	}
	if browser := r.URL.Query().Get("browser_type"); browser != "" {
		if !domain.IsValidBrowserType(domain.BrowserType(browser)) {
			h.respondError(w, r, shared.New(shared.CodeValidation, "unknown browser_type filter"))
			return
		}
		filter.BrowserType = domain.BrowserType(browser)
	}
	if user.IsAdmin {
		filter.UserID = r.URL.Query().Get("user_id")
	}

	sessions, total, err := h.sessions.List(r.Context(), user, filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "sessions retrieved", map[string]any{
		"sessions": sessions,
		"total":    total,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// createSession handles POST /sessions.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	var req session.CreateRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), user, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusCreated, "session created", sessionPayload(sess, nil))
}

// getSession handles GET /sessions/{id}, including live container usage when
// available.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	sess, status, err := h.sessions.Status(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session retrieved", sessionPayload(sess, status))
}

// updateSession handles PUT /sessions/{id}; only the name is mutable.
func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	var req struct {
		Name string `json:"session_name"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	sess, err := h.sessions.Rename(r.Context(), user, chi.URLParam(r, "id"), req.Name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session updated", sessionPayload(sess, nil))
}

// extendSession handles POST /sessions/{id}/extend.
func (h *Handler) extendSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	var req struct {
		Hours int `json:"hours"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Hours == 0 {
		req.Hours = 1
	}

	sess, err := h.sessions.Extend(r.Context(), user, chi.URLParam(r, "id"), req.Hours)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session extended", sessionPayload(sess, nil))
}

// stopSession handles POST /sessions/{id}/stop.
func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	sess, err := h.sessions.Stop(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session stopped", sessionPayload(sess, nil))
}

// deleteSession handles DELETE /sessions/{id}.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	if err := h.sessions.Delete(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session deleted", nil)
}

// accessSession handles POST /sessions/{id}/access: refreshes last_accessed
// and returns connection info including the VNC password.
func (h *Handler) accessSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	sess, err := h.sessions.Access(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "session access granted", map[string]any{
		"session":      sessionPayload(sess, nil),
		"access_url":   sess.AccessURL,
		"vnc_password": sess.VNCPassword,
		"web_port":     sess.WebPort,
		"vnc_port":     sess.VNCPort,
	})
}

// sessionQuota handles GET /sessions/quota.
func (h *Handler) sessionQuota(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	usage, err := h.sessions.Quota(r.Context(), user)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "quota retrieved", usage)
}

// cleanupSessions handles POST /sessions/cleanup: an admin-triggered sweep.
func (h *Handler) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "cleanup completed", result)
}

// sessionPayload shapes a session for API responses, adding derived timing
// fields and optional live container usage.
func sessionPayload(sess *domain.Session, status *container.Status) map[string]any {
	now := time.Now().UTC()
	payload := map[string]any{
		"session":        sess,
		"time_remaining": int64(sess.TimeRemaining(now).Seconds()),
		"uptime":         int64(sess.Uptime(now).Seconds()),
	}
	if status != nil {
		payload["container_status"] = map[string]any{
			"running":          status.Running,
			"cpu_percent":      status.CPUPercent,
			"memory_bytes":     status.MemoryBytes,
			"memory_limit":     status.MemoryLimit,
			"network_rx_bytes": status.NetworkRxBytes,
			"network_tx_bytes": status.NetworkTxBytes,
		}
	}
	return payload
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
