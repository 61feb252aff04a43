package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// UserFrom returns the authenticated user attached to the request context.
func UserFrom(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok
}

// WithUser returns a context carrying the authenticated user. Exposed for
// tests and the websocket upgrade path.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// ErrorWriter renders an error response; implemented by the api package so
// middleware failures use the same envelope as handlers.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates requests via the Authorization header and loads
// the user into the request context. Tokens may also arrive in the "token"
// query parameter for websocket clients that cannot set headers.
func Middleware(svc *Service, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, shared.New(shared.CodeUnauthorized, "missing authorization token"))
				return
			}

			user, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin rejects requests whose user lacks the admin flag. Must run
// after Middleware.
func RequireAdmin(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFrom(r.Context())
			if !ok || !user.IsAdmin {
				writeError(w, r, shared.New(shared.CodeForbidden, "admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
