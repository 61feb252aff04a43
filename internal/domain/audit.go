package domain

import (
	"time"
)

// AuditEvent identifies the kind of lifecycle or security event recorded.
type AuditEvent string

const (
	EventSessionCreated  AuditEvent = "session_created"
	EventSessionStarted  AuditEvent = "session_started"
	EventSessionAccessed AuditEvent = "session_accessed"
	EventSessionExtended AuditEvent = "session_extended"
	EventSessionStopped  AuditEvent = "session_stopped"
	EventSessionExpired  AuditEvent = "session_expired"
	EventSessionError    AuditEvent = "session_error"
	EventSessionDeleted  AuditEvent = "session_deleted"

	EventLoginSuccess AuditEvent = "login_success"
	EventLoginFailed  AuditEvent = "login_failed"
	EventUserCreated  AuditEvent = "user_created"
	EventUserUpdated  AuditEvent = "user_updated"

	EventAdminAction AuditEvent = "admin_action"
)

// AuditEntry is a write-once record of a lifecycle event. Entries are never
// mutated after insertion; old entries are pruned past the retention window.
type AuditEntry struct {
	ID        string     `json:"id"`
	Event     AuditEvent `json:"event"`
	UserID    string     `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Message   string     `json:"message"`
	IPAddress string     `json:"ip_address,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
