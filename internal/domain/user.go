package domain

import (
	"time"
)

// Default account limits applied when a user record carries no overrides.
const (
	DefaultMaxContainers    = 3
	DefaultContainerTimeout = 3600 // seconds
)

// User owns zero or more browser sessions.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	// PasswordHash is the bcrypt hash of the account password.
	PasswordHash string `json:"-"`

	Active  bool `json:"active"`
	IsAdmin bool `json:"is_admin"`

	// MaxContainers caps the number of sessions in {creating, running}.
	MaxContainers int `json:"max_containers"`
	// ContainerTimeout is the default session lifetime in seconds.
	ContainerTimeout int         `json:"container_timeout"`
	PreferredBrowser BrowserType `json:"preferred_browser"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SessionLifetime returns the user's configured session lifetime.
func (u *User) SessionLifetime() time.Duration {
	timeout := u.ContainerTimeout
	if timeout <= 0 {
		timeout = DefaultContainerTimeout
	}
	return time.Duration(timeout) * time.Second
}

// QuotaLimit returns the user's concurrent session cap.
func (u *User) QuotaLimit() int {
	if u.MaxContainers <= 0 {
		return DefaultMaxContainers
	}
	return u.MaxContainers
}
