package api

import (
	"net/http"

	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
)

// register handles POST /auth/register.
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusCreated, "account created", map[string]any{"user": user})
}

// login handles POST /auth/login.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	tokens, user, err := h.auth.Login(r.Context(), req.Email, req.Password, r.RemoteAddr)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "login successful", map[string]any{
		"tokens": tokens,
		"user":   user,
	})
}

// refresh handles POST /auth/refresh.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "token refreshed", map[string]any{"tokens": tokens})
}

// me handles GET /auth/me.
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	h.respond(w, http.StatusOK, "profile retrieved", map[string]any{"user": user})
}
