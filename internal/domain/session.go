// Package domain contains core domain types for the cloud browser service.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a browser session.
type SessionStatus string

const (
	StatusCreating SessionStatus = "creating"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
	StatusExpired  SessionStatus = "expired"
)

// ActiveStatuses are the statuses that count against a user's container quota.
var ActiveStatuses = []SessionStatus{StatusCreating, StatusRunning}

// IsValidStatus reports whether s is a known session status.
func IsValidStatus(s SessionStatus) bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopping, StatusStopped, StatusError, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. Terminal sessions hold no
// container handle and accept no further lifecycle operations except delete.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusExpired
}

// BrowserType identifies the browser image a session runs.
type BrowserType string

const (
	BrowserFirefox  BrowserType = "firefox"
	BrowserChrome   BrowserType = "chrome"
	BrowserChromium BrowserType = "chromium"
)

// IsValidBrowserType reports whether b is a supported browser type.
func IsValidBrowserType(b BrowserType) bool {
	switch b {
	case BrowserFirefox, BrowserChrome, BrowserChromium:
		return true
	}
	return false
}

// ResourceLimits are the container resource caps applied to a session.
type ResourceLimits struct {
	CPULimit     float64 `json:"cpu_limit"`     // CPU cores, e.g. 1.0
	MemoryLimit  string  `json:"memory_limit"`  // e.g. "2g"
	StorageLimit string  `json:"storage_limit"` // e.g. "10g"
}

// Session represents one user-requested isolated browser instance.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Name        string        `json:"session_name"`
	BrowserType BrowserType   `json:"browser_type"`
	Status      SessionStatus `json:"status"`

	// Container handle. Empty unless status is running or stopping.
	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	DockerImage   string `json:"docker_image,omitempty"`

	VNCPort     int    `json:"vnc_port,omitempty"`
	WebPort     int    `json:"web_port,omitempty"`
	VNCPassword string `json:"-"`
	AccessURL   string `json:"access_url,omitempty"`

	Limits ResourceLimits `json:"limits"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`

	InitialURL       string `json:"initial_url,omitempty"`
	ScreenResolution string `json:"screen_resolution"`

	PageViews        int64 `json:"page_views"`
	BytesTransferred int64 `json:"bytes_transferred"`
	ErrorCount       int   `json:"error_count"`

	LastError string `json:"error_message,omitempty"`
}

// IsExpired reports whether the session's expiry time has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// TimeRemaining returns the time until expiry, floored at zero.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if s.ExpiresAt == nil {
		return 0
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Uptime returns how long the session has been (or was) running.
func (s *Session) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.StoppedAt != nil {
		end = *s.StoppedAt
	}
	return end.Sub(*s.StartedAt)
}

// CanTransitionTo reports whether the state machine permits moving from s to
// target. A session never re-enters creating, and terminal statuses accept no
// further transitions. Running may move straight to error when its container
// vanishes out from under it.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	switch s {
	case StatusCreating:
		return target == StatusRunning || target == StatusError || target == StatusStopping
	case StatusRunning:
		return target == StatusStopping || target == StatusExpired || target == StatusError
	case StatusStopping:
		return target == StatusStopped || target == StatusError
	default:
		return false
	}
}
