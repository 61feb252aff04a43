// Package session implements the browser session lifecycle: creation with
// quota reservation, container provisioning, access, extension, teardown,
// and background expiry sweeping.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

const (
	defaultResolution = "1280x720"
	maxExtension      = 8 * time.Hour

	provisionAttempts = 3
	retryBaseDelay    = 500 * time.Millisecond
)

// Config holds session manager settings.
type Config struct {
	PublicHost       string
	ProvisionTimeout time.Duration
	DefaultLimits    domain.ResourceLimits
}

// CreateRequest carries the user-supplied parameters for a new session.
type CreateRequest struct {
	Name             string             `json:"session_name"`
	BrowserType      domain.BrowserType `json:"browser_type"`
	InitialURL       string             `json:"initial_url"`
	ScreenResolution string             `json:"screen_resolution"`
}

// Manager coordinates session state between the store and the container
// runtime. The store row is written before any container work starts, so a
// crash mid-provision leaves a record the sweeper can reconcile.
type Manager struct {
	repo    store.Repository
	runtime container.Runtime
	cfg     Config
	locks   *keyedLocks

	now        func() time.Time
	retryDelay time.Duration
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, runtime container.Runtime, cfg Config) *Manager {
	return &Manager{
		repo:       repo,
		runtime:    runtime,
		cfg:        cfg,
		locks:      newKeyedLocks(),
		now:        time.Now,
		retryDelay: retryBaseDelay,
	}
}

// Create reserves quota, provisions a browser container, and returns the
// running session. The creating row is persisted before the container is
// touched; a provisioning failure leaves the session in error state with a
// diagnostic, never a half-created record.
func (m *Manager) Create(ctx context.Context, user *domain.User, req CreateRequest) (*domain.Session, error) {
	browser := req.BrowserType
	if browser == "" {
		browser = user.PreferredBrowser
	}
	if browser == "" {
		browser = domain.BrowserFirefox
	}
	if !domain.IsValidBrowserType(browser) {
		return nil, shared.New(shared.CodeValidation, fmt.Sprintf("unsupported browser type %q", req.BrowserType))
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s session", browser)
	}
	if len(name) > 100 {
		return nil, shared.New(shared.CodeValidation, "session name must be at most 100 characters")
	}

	resolution := req.ScreenResolution
	if resolution == "" {
		resolution = defaultResolution
	}

	now := m.now().UTC()
	sess := &domain.Session{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		Name:             name,
		BrowserType:      browser,
		Status:           domain.StatusCreating,
		VNCPassword:      randomPassword(),
		Limits:           m.cfg.DefaultLimits,
		CreatedAt:        now,
		InitialURL:       req.InitialURL,
		ScreenResolution: resolution,
	}

	if err := m.repo.CreateSessionReserved(ctx, sess, user.QuotaLimit()); err != nil {
		return nil, err
	}
	m.audit(ctx, domain.EventSessionCreated, user, sess.ID, fmt.Sprintf("session %q created (%s)", name, browser))

	handle, err := m.provision(ctx, sess)
	if err != nil {
		m.failSession(ctx, user, sess.ID, err)
		return nil, err
	}

	startedAt := m.now().UTC()
	expiresAt := startedAt.Add(user.SessionLifetime())
	info := store.RunningInfo{
		ContainerID:   handle.ContainerID,
		ContainerName: handle.ContainerName,
		DockerImage:   handle.DockerImage,
		VNCPort:       handle.VNCPort,
		WebPort:       handle.WebPort,
		VNCPassword:   sess.VNCPassword,
		AccessURL:     fmt.Sprintf("https://%s:%d", m.cfg.PublicHost, handle.WebPort),
		StartedAt:     startedAt,
		ExpiresAt:     expiresAt,
	}

	ok, err := m.repo.MarkSessionRunning(ctx, sess.ID, info)
	if err != nil {
		m.stopContainer(context.WithoutCancel(ctx), handle.ContainerID)
		return nil, err
	}
	if !ok {
		// Stopped out from under us while provisioning.
		m.stopContainer(context.WithoutCancel(ctx), handle.ContainerID)
		return nil, shared.New(shared.CodeInvalidState, "session was cancelled during provisioning")
	}

	m.audit(ctx, domain.EventSessionStarted, user, sess.ID, fmt.Sprintf("container %s started", shortID(handle.ContainerID)))

	return m.repo.GetSession(ctx, sess.ID)
}

// provision starts the container with a bounded timeout, retrying transient
// runtime failures with doubling backoff.
func (m *Manager) provision(ctx context.Context, sess *domain.Session) (*container.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	spec := container.StartSpec{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		BrowserType:      sess.BrowserType,
		ScreenResolution: sess.ScreenResolution,
		InitialURL:       sess.InitialURL,
		VNCPassword:      sess.VNCPassword,
		Limits:           sess.Limits,
	}

	var handle *container.Handle
	err := withRetry(ctx, provisionAttempts, m.retryDelay, func() error {
		var startErr error
		handle, startErr = m.runtime.Start(ctx, spec)
		return startErr
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// failSession moves a session that never reached running into error state.
func (m *Manager) failSession(ctx context.Context, user *domain.User, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := m.repo.TransitionSessionStatus(ctx, id,
		[]domain.SessionStatus{domain.StatusCreating}, domain.StatusError, cause.Error())
	if err != nil {
		slog.Error("Failed to record session error", "session_id", id, "error", err)
		return
	}
	if ok {
		m.audit(ctx, domain.EventSessionError, user, id, cause.Error())
	}
}

// Get returns a session the user may see. Sessions belonging to other users
// are reported as not found.
func (m *Manager) Get(ctx context.Context, user *domain.User, id string) (*domain.Session, error) {
	sess, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != user.ID && !user.IsAdmin {
		return nil, shared.New(shared.CodeNotFound, "session not found")
	}
	return sess, nil
}

// List returns the user's sessions, newest first.
func (m *Manager) List(ctx context.Context, user *domain.User, filter store.SessionFilter) ([]*domain.Session, int, error) {
	if !user.IsAdmin || filter.UserID == "" {
		filter.UserID = user.ID
	}
	return m.repo.ListSessions(ctx, filter)
}

// Access records a view of a running session and returns its access URL. If
// the session's lease has lapsed, it is expired on the spot and the container
// torn down, rather than waiting for the next sweep.
func (m *Manager) Access(ctx context.Context, user *domain.User, id string) (*domain.Session, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, err := m.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if sess.Status == domain.StatusRunning && sess.IsExpired(now) {
		m.expireNow(ctx, user, sess)
		return nil, shared.New(shared.CodeSessionExpired, "session has expired")
	}
	if sess.Status != domain.StatusRunning {
		return nil, shared.New(shared.CodeInvalidState,
			fmt.Sprintf("session is %s, not running", sess.Status))
	}

	touched, err := m.repo.TouchSessionAccess(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !touched {
		// The sweeper moved the session off running between the status
		// check and the touch. Stop wins over access.
		sess, err = m.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, shared.New(shared.CodeInvalidState,
			fmt.Sprintf("session is %s, not running", sess.Status))
	}
	m.audit(ctx, domain.EventSessionAccessed, user, id, "session accessed")

	return m.repo.GetSession(ctx, id)
}

// expireNow transitions a lapsed running session to expired and tears down
// its container best-effort.
func (m *Manager) expireNow(ctx context.Context, user *domain.User, sess *domain.Session) {
	ctx = context.WithoutCancel(ctx)
	ok, err := m.repo.TransitionSessionStatus(ctx, sess.ID,
		[]domain.SessionStatus{domain.StatusRunning}, domain.StatusExpired, "")
	if err != nil || !ok {
		return
	}
	m.stopContainer(ctx, sess.ContainerID)
	m.audit(ctx, domain.EventSessionExpired, user, sess.ID, "session expired during access")
}

// Extend pushes the session's expiry forward. The new expiry is measured from
// the later of now and the current expiry, capped at 8 hours out.
func (m *Manager) Extend(ctx context.Context, user *domain.User, id string, hours int) (*domain.Session, error) {
	if hours < 1 {
		return nil, shared.New(shared.CodeValidation, "extension must be at least 1 hour")
	}

	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, err := m.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusRunning {
		return nil, shared.New(shared.CodeInvalidState,
			fmt.Sprintf("cannot extend a %s session", sess.Status))
	}

	now := m.now().UTC()
	base := now
	if sess.ExpiresAt != nil && sess.ExpiresAt.After(now) {
		base = *sess.ExpiresAt
	}
	newExpiry := base.Add(time.Duration(hours) * time.Hour)
	if newExpiry.Sub(now) > maxExtension {
		return nil, shared.New(shared.CodeValidation,
			fmt.Sprintf("sessions cannot run more than %d hours ahead", int(maxExtension.Hours())))
	}

	ok, err := m.repo.ExtendSessionExpiry(ctx, id, newExpiry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.New(shared.CodeInvalidState, "session is no longer running")
	}

	m.audit(ctx, domain.EventSessionExtended, user, id,
		fmt.Sprintf("expiry extended by %dh to %s", hours, newExpiry.Format(time.RFC3339)))

	return m.repo.GetSession(ctx, id)
}

// Rename updates the session's display name.
func (m *Manager) Rename(ctx context.Context, user *domain.User, id, name string) (*domain.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, shared.New(shared.CodeValidation, "session name must be 1-100 characters")
	}
	if _, err := m.Get(ctx, user, id); err != nil {
		return nil, err
	}
	ok, err := m.repo.UpdateSessionName(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.New(shared.CodeNotFound, "session not found")
	}
	return m.repo.GetSession(ctx, id)
}

// Stop tears down a session's container and marks it stopped. Stopping an
// already-terminal session is a no-op, not an error.
func (m *Manager) Stop(ctx context.Context, user *domain.User, id string) (*domain.Session, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, err := m.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return sess, nil
	}

	ok, err := m.repo.TransitionSessionStatus(ctx, id,
		[]domain.SessionStatus{domain.StatusCreating, domain.StatusRunning}, domain.StatusStopping, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		// Raced with the sweeper or another request; report current state.
		sess, err = m.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Status.IsTerminal() || sess.Status == domain.StatusStopping {
			return sess, nil
		}
		return nil, shared.New(shared.CodeInvalidState,
			fmt.Sprintf("cannot stop a %s session", sess.Status))
	}

	ctx = context.WithoutCancel(ctx)
	if sess.ContainerID != "" {
		if err := m.teardown(ctx, sess.ContainerID); err != nil {
			if _, terr := m.repo.TransitionSessionStatus(ctx, id,
				[]domain.SessionStatus{domain.StatusStopping}, domain.StatusError, err.Error()); terr != nil {
				slog.Error("Failed to record teardown error", "session_id", id, "error", terr)
			}
			m.audit(ctx, domain.EventSessionError, user, id, err.Error())
			return nil, err
		}
	}

	if _, err := m.repo.TransitionSessionStatus(ctx, id,
		[]domain.SessionStatus{domain.StatusStopping}, domain.StatusStopped, ""); err != nil {
		return nil, err
	}
	m.audit(ctx, domain.EventSessionStopped, user, id, "session stopped")

	return m.repo.GetSession(ctx, id)
}

// Delete removes a session record, stopping it first if still active.
func (m *Manager) Delete(ctx context.Context, user *domain.User, id string) error {
	sess, err := m.Get(ctx, user, id)
	if err != nil {
		return err
	}

	if !sess.Status.IsTerminal() {
		if _, err := m.Stop(ctx, user, id); err != nil {
			return err
		}
	}

	if err := m.repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.audit(ctx, domain.EventSessionDeleted, user, id, "session deleted")
	return nil
}

// Status returns the stored session together with live container usage when
// the container is running. Runtime readings are fetched per call.
func (m *Manager) Status(ctx context.Context, user *domain.User, id string) (*domain.Session, *container.Status, error) {
	sess, err := m.Get(ctx, user, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.ContainerID == "" {
		return sess, nil, nil
	}
	status, err := m.runtime.Inspect(ctx, sess.ContainerID)
	if err != nil {
		// Live stats are advisory; the stored record still answers.
		slog.Debug("Container inspect failed", "session_id", id, "error", err)
		return sess, nil, nil
	}
	return sess, status, nil
}

// teardown stops a container, retrying transient engine failures.
func (m *Manager) teardown(ctx context.Context, containerID string) error {
	return withRetry(ctx, provisionAttempts, m.retryDelay, func() error {
		return m.runtime.Stop(ctx, containerID)
	})
}

// stopContainer is best-effort cleanup for containers whose session record
// will not reference them.
func (m *Manager) stopContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := m.runtime.Stop(ctx, containerID); err != nil {
		slog.Warn("Failed to clean up container", "container_id", containerID, "error", err)
	}
}

func (m *Manager) audit(ctx context.Context, event domain.AuditEvent, user *domain.User, sessionID, msg string) {
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     event,
		SessionID: sessionID,
		Message:   msg,
		Timestamp: m.now().UTC(),
	}
	if user != nil {
		entry.UserID = user.ID
		entry.Username = user.Username
	}
	if err := m.repo.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("Failed to append audit entry", "event", event, "session_id", sessionID, "error", err)
	}
}

// withRetry runs fn up to attempts times, doubling the delay between tries.
// Only transient failures are retried.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func randomPassword() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in no state to serve.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
