// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
)

// SessionFilter narrows and paginates session listings. Filters are
// conjunctive; zero values mean "no filter".
type SessionFilter struct {
	UserID      string
	Status      domain.SessionStatus
	BrowserType domain.BrowserType
	Page        int
	PerPage     int
}

// RunningInfo carries the container details recorded when a session
// transitions from creating to running.
type RunningInfo struct {
	ContainerID   string
	ContainerName string
	DockerImage   string
	VNCPort       int
	WebPort       int
	VNCPassword   string
	AccessURL     string
	StartedAt     time.Time
	ExpiresAt     time.Time
}

// AuditFilter narrows and paginates audit log listings.
type AuditFilter struct {
	UserID    string
	SessionID string
	Event     domain.AuditEvent
	Page      int
	PerPage   int
}

// Repository defines the interface for persisting users, sessions, and the
// audit log. The session store is the single source of truth; every status
// mutation is a conditional update so concurrent writers cannot clobber one
// another.
type Repository interface {
	// Users.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	ListUsers(ctx context.Context) ([]*domain.User, error)

	// Sessions.

	// CreateSessionReserved inserts sess (status must be creating) only if
	// the owner's count of sessions in {creating, running} is below limit.
	// The count check and insert happen in one transaction; returns a
	// quota_exceeded error when the user is at the limit.
	CreateSessionReserved(ctx context.Context, sess *domain.Session, limit int) error

	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, int, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)

	// MarkSessionRunning transitions creating -> running, recording the
	// container handle, endpoints, start time, and expiry. Returns false if
	// the session was no longer in creating.
	MarkSessionRunning(ctx context.Context, id string, info RunningInfo) (bool, error)

	// TransitionSessionStatus moves the session from any of the given
	// statuses to the target. Every from -> to pair must be a legal state
	// machine arc; an illegal pair is rejected with invalid_state before
	// the row is touched. Entering a terminal status clears the
	// container handle and records stopped_at; errMsg (for error states) is
	// stored as the last error and bumps the error counter. Returns false
	// when the session was not in any of the from statuses (lost CAS).
	TransitionSessionStatus(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, errMsg string) (bool, error)

	// ExtendSessionExpiry replaces expires_at; only valid while running.
	ExtendSessionExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error)

	// TouchSessionAccess records an access on a running session: updates
	// last_accessed and increments page_views.
	TouchSessionAccess(ctx context.Context, id string, at time.Time) (bool, error)

	UpdateSessionName(ctx context.Context, id, name string) (bool, error)
	AddSessionTraffic(ctx context.Context, id string, bytes int64) error

	// DeleteSession removes a terminal-state session record. Returns an
	// invalid_state error when the session is still active.
	DeleteSession(ctx context.Context, id string) error

	// ListExpiredRunning returns running sessions whose expires_at <= now.
	ListExpiredRunning(ctx context.Context, now time.Time) ([]*domain.Session, error)

	// ListHeldSessions returns sessions in {running, stopping}, i.e. those
	// that should hold a live container handle.
	ListHeldSessions(ctx context.Context) ([]*domain.Session, error)

	CountSessionsByStatus(ctx context.Context) (map[domain.SessionStatus]int, error)

	// Audit log. Entries are write-once.
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*domain.AuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error
	Close() error
}
