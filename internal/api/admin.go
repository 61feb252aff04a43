package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

// adminListUsers handles GET /admin/users.
func (h *Handler) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "users retrieved", map[string]any{
		"users": users,
		"total": len(users),
	})
}

// adminUpdateUser handles PUT /admin/users/{id}: account flags and per-user
// session limits.
func (h *Handler) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active           *bool   `json:"active"`
		IsAdmin          *bool   `json:"is_admin"`
		MaxContainers    *int    `json:"max_containers"`
		ContainerTimeout *int    `json:"container_timeout"`
		PreferredBrowser *string `json:"preferred_browser"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	user, err := h.repo.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.IsAdmin != nil {
		user.IsAdmin = *req.IsAdmin
	}
	if req.MaxContainers != nil {
		if *req.MaxContainers < 1 || *req.MaxContainers > 20 {
			h.respondError(w, r, shared.New(shared.CodeValidation, "max_containers must be between 1 and 20"))
			return
		}
		user.MaxContainers = *req.MaxContainers
	}
	if req.ContainerTimeout != nil {
		if *req.ContainerTimeout < 60 {
			h.respondError(w, r, shared.New(shared.CodeValidation, "container_timeout must be at least 60 seconds"))
			return
		}
		user.ContainerTimeout = *req.ContainerTimeout
	}
	if req.PreferredBrowser != nil {
		browser := domain.BrowserType(*req.PreferredBrowser)
		if !domain.IsValidBrowserType(browser) {
			h.respondError(w, r, shared.New(shared.CodeValidation, "unknown preferred_browser"))
			return
		}
		user.PreferredBrowser = browser
	}

	user.UpdatedAt = time.Now().UTC()
	if err := h.repo.UpdateUser(r.Context(), user); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "user updated", map[string]any{"user": user})
}

// adminListAudit handles GET /admin/audit with user_id, session_id, event,
// page, and per_page filters.
func (h *Handler) adminListAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Event:     domain.AuditEvent(r.URL.Query().Get("event")),
		Page:      queryInt(r, "page", 1),
		PerPage:   queryInt(r, "per_page", 50),
	}

	entries, err := h.repo.ListAudit(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "audit log retrieved", map[string]any{
		"entries":  entries,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// adminStats handles GET /admin/stats: session counts by status plus
// container engine host info.
func (h *Handler) adminStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountSessionsByStatus(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	stats := map[string]any{"sessions_by_status": counts}

	if info, err := h.runtime.Info(r.Context()); err == nil {
		stats["docker"] = info
	}

	h.respond(w, http.StatusOK, "statistics retrieved", stats)
}
