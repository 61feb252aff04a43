package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/middleware"
	"github.com/Mustafabeshara/cloudbrowser/internal/vncproxy"
)

// Router assembles the full route tree.
func (h *Handler) Router(vnc *vncproxy.Proxy) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(5 * time.Minute))
	r.Use(middleware.CORS(h.cfg.CORSOrigins))

	r.Get("/health", h.health)
	r.Get("/health/ready", h.ready)

	authed := auth.Middleware(h.auth, h.respondError)
	adminOnly := auth.RequireAdmin(h.respondError)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.register)
			r.Post("/login", h.login)
			r.Post("/refresh", h.refresh)
			r.With(authed).Get("/me", h.me)
		})

		r.Group(func(r chi.Router) {
			r.Use(authed)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", h.listSessions)
				r.Post("/", h.createSession)
				r.Get("/quota", h.sessionQuota)
				r.With(adminOnly).Post("/cleanup", h.cleanupSessions)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.getSession)
					r.Put("/", h.updateSession)
					r.Delete("/", h.deleteSession)
					r.Post("/extend", h.extendSession)
					r.Post("/stop", h.stopSession)
					r.Post("/access", h.accessSession)
					r.Get("/vnc", func(w http.ResponseWriter, req *http.Request) {
						vnc.Handle(w, req, chi.URLParam(req, "id"))
					})
				})
			})

			r.Route("/analyze", func(r chi.Router) {
				r.Post("/repository", h.analyzeRepository)
				r.Post("/code", h.analyzeCode)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(adminOnly)
				r.Get("/users", h.adminListUsers)
				r.Put("/users/{id}", h.adminUpdateUser)
				r.Get("/audit", h.adminListAudit)
				r.Get("/stats", h.adminStats)
			})
		})
	})

	return r
}
