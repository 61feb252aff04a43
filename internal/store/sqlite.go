package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between request handlers and the sweeper.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		is_admin INTEGER NOT NULL DEFAULT 0,
		max_containers INTEGER NOT NULL DEFAULT 3,
		container_timeout INTEGER NOT NULL DEFAULT 3600,
		preferred_browser TEXT NOT NULL DEFAULT 'firefox',
		last_login_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		browser_type TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		container_name TEXT,
		docker_image TEXT,
		vnc_port INTEGER,
		web_port INTEGER,
		vnc_password TEXT,
		access_url TEXT,
		cpu_limit REAL NOT NULL,
		memory_limit TEXT NOT NULL,
		storage_limit TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		last_accessed INTEGER,
		expires_at INTEGER,
		stopped_at INTEGER,
		initial_url TEXT,
		screen_resolution TEXT NOT NULL,
		page_views INTEGER NOT NULL DEFAULT 0,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_expiry ON sessions(status, expires_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		user_id TEXT,
		username TEXT,
		session_id TEXT,
		message TEXT NOT NULL,
		ip_address TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return shared.Wrap(shared.CodeDependency, "session store unreachable", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- users ---

const userColumns = `id, email, username, password_hash, active, is_admin,
	max_containers, container_timeout, preferred_browser, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var lastLogin sql.NullInt64
	var createdAt, updatedAt int64
	var browser string

	err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.PasswordHash,
		&user.Active, &user.IsAdmin, &user.MaxContainers, &user.ContainerTimeout,
		&browser, &lastLogin, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.PreferredBrowser = domain.BrowserType(browser)
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0)
		user.LastLoginAt = &t
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// CreateUser inserts a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, email, username, password_hash, active, is_admin,
		max_containers, container_timeout, preferred_browser, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Username, user.PasswordHash,
		user.Active, user.IsAdmin, user.MaxContainers, user.ContainerTimeout,
		string(user.PreferredBrowser), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return shared.New(shared.CodeValidation, "email or username already registered")
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by id.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, shared.New(shared.CodeNotFound, "user not found")
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, shared.New(shared.CodeNotFound, "user not found")
	}
	return user, nil
}

// UpdateUser persists mutable account fields.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *domain.User) error {
	query := `
	UPDATE users SET username = ?, active = ?, is_admin = ?, max_containers = ?,
		container_timeout = ?, preferred_browser = ?, updated_at = ?
	WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		user.Username, user.Active, user.IsAdmin, user.MaxContainers,
		user.ContainerTimeout, string(user.PreferredBrowser), time.Now().Unix(),
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return shared.New(shared.CodeNotFound, "user not found")
	}
	return nil
}

// UpdateLastLogin records a successful login time.
func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at.Unix(), time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update last_login_at: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// --- sessions ---

const sessionColumns = `id, user_id, name, browser_type, status, container_id,
	container_name, docker_image, vnc_port, web_port, vnc_password, access_url,
	cpu_limit, memory_limit, storage_limit, created_at, started_at, last_accessed,
	expires_at, stopped_at, initial_url, screen_resolution, page_views,
	bytes_transferred, error_count, last_error`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var browser, status string
	var containerID, containerName, image, vncPassword, accessURL, initialURL, lastError sql.NullString
	var vncPort, webPort sql.NullInt64
	var createdAt int64
	var startedAt, lastAccessed, expiresAt, stoppedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Name, &browser, &status, &containerID,
		&containerName, &image, &vncPort, &webPort, &vncPassword, &accessURL,
		&sess.Limits.CPULimit, &sess.Limits.MemoryLimit, &sess.Limits.StorageLimit,
		&createdAt, &startedAt, &lastAccessed, &expiresAt, &stoppedAt,
		&initialURL, &sess.ScreenResolution, &sess.PageViews,
		&sess.BytesTransferred, &sess.ErrorCount, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.BrowserType = domain.BrowserType(browser)
	sess.Status = domain.SessionStatus(status)
	sess.ContainerID = containerID.String
	sess.ContainerName = containerName.String
	sess.DockerImage = image.String
	sess.VNCPort = int(vncPort.Int64)
	sess.WebPort = int(webPort.Int64)
	sess.VNCPassword = vncPassword.String
	sess.AccessURL = accessURL.String
	sess.InitialURL = initialURL.String
	sess.LastError = lastError.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.StartedAt = unixPtr(startedAt)
	sess.LastAccessed = unixPtr(lastAccessed)
	sess.ExpiresAt = unixPtr(expiresAt)
	sess.StoppedAt = unixPtr(stoppedAt)
	return &sess, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func statusPlaceholders(statuses []domain.SessionStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// CreateSessionReserved inserts a creating-state session only when the owner
// is under quota. The count and insert share one transaction so two
// concurrent creates cannot both slip under the limit.
func (s *SQLiteStore) CreateSessionReserved(ctx context.Context, sess *domain.Session, limit int) error {
	if sess.Status != domain.StatusCreating {
		return shared.New(shared.CodeInvalidState, "new sessions must start in creating")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cond, condArgs := statusPlaceholders(domain.ActiveStatuses)
	var count int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN (%s)`, cond),
		append([]any{sess.UserID}, condArgs...)...,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	if count >= limit {
		return shared.New(shared.CodeQuotaExceeded,
			fmt.Sprintf("maximum number of containers (%d) reached", limit))
	}

	query := `
	INSERT INTO sessions (id, user_id, name, browser_type, status,
		cpu_limit, memory_limit, storage_limit, created_at, expires_at,
		initial_url, screen_resolution)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var expiresAt any
	if sess.ExpiresAt != nil {
		expiresAt = sess.ExpiresAt.Unix()
	}
	_, err = tx.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.Name, string(sess.BrowserType), string(sess.Status),
		sess.Limits.CPULimit, sess.Limits.MemoryLimit, sess.Limits.StorageLimit,
		sess.CreatedAt.Unix(), expiresAt,
		nullableString(sess.InitialURL), sess.ScreenResolution,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve transaction: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, shared.New(shared.CodeNotFound, "session not found")
	}
	return sess, nil
}

// ListSessions returns a page of sessions ordered by created_at descending,
// plus the total count matching the filter.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BrowserType != "" {
		where = append(where, "browser_type = ?")
		args = append(args, string(filter.BrowserType))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + cond +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// CountActiveSessions returns the user's count of sessions in {creating, running}.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	cond, condArgs := statusPlaceholders(domain.ActiveStatuses)
	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN (%s)`, cond),
		append([]any{userID}, condArgs...)...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

// MarkSessionRunning transitions creating -> running with container details.
func (s *SQLiteStore) MarkSessionRunning(ctx context.Context, id string, info RunningInfo) (bool, error) {
	query := `
	UPDATE sessions SET status = ?, container_id = ?, container_name = ?,
		docker_image = ?, vnc_port = ?, web_port = ?, vnc_password = ?,
		access_url = ?, started_at = ?, last_accessed = ?, expires_at = ?,
		last_error = NULL
	WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.StatusRunning), info.ContainerID, info.ContainerName,
		info.DockerImage, info.VNCPort, info.WebPort, info.VNCPassword,
		info.AccessURL, info.StartedAt.Unix(), info.StartedAt.Unix(), info.ExpiresAt.Unix(),
		id, string(domain.StatusCreating),
	)
	if err != nil {
		return false, fmt.Errorf("mark session running: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// TransitionSessionStatus conditionally moves a session between statuses.
func (s *SQLiteStore) TransitionSessionStatus(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, errMsg string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return false, shared.New(shared.CodeInvalidState,
				fmt.Sprintf("illegal status transition %s -> %s", f, to))
		}
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}

	if to.IsTerminal() {
		// Terminal states hold no container handle.
		sets = append(sets, "container_id = NULL", "stopped_at = ?")
		args = append(args, time.Now().Unix())
	}
	if errMsg != "" {
		sets = append(sets, "last_error = ?", "error_count = error_count + 1")
		args = append(args, errMsg)
	}

	marks, fromArgs := statusPlaceholders(from)
	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + marks + `)`
	args = append(args, id)
	args = append(args, fromArgs...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ExtendSessionExpiry replaces expires_at on a running session.
func (s *SQLiteStore) ExtendSessionExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND status = ?`,
		expiresAt.Unix(), id, string(domain.StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("extend session expiry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// TouchSessionAccess records an access on a running session.
func (s *SQLiteStore) TouchSessionAccess(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed = ?, page_views = page_views + 1 WHERE id = ? AND status = ?`,
		at.Unix(), id, string(domain.StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("touch session access: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpdateSessionName renames a session.
func (s *SQLiteStore) UpdateSessionName(ctx context.Context, id, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return false, fmt.Errorf("update session name: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AddSessionTraffic accumulates proxied byte counts onto a session.
func (s *SQLiteStore) AddSessionTraffic(ctx context.Context, id string, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET bytes_transferred = bytes_transferred + ? WHERE id = ?`,
		bytes, id,
	)
	if err != nil {
		return fmt.Errorf("add session traffic: %w", err)
	}
	return nil
}

// DeleteSession removes a terminal-state session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND status IN (?, ?, ?)`,
		id, string(domain.StatusStopped), string(domain.StatusError), string(domain.StatusExpired),
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return shared.New(shared.CodeInvalidState, "only stopped, expired, or errored sessions can be deleted")
	}
	return nil
}

// ListExpiredRunning returns running sessions past their expiry.
func (s *SQLiteStore) ListExpiredRunning(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(domain.StatusRunning), now.Unix())
}

// ListHeldSessions returns sessions that should hold a container handle.
func (s *SQLiteStore) ListHeldSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?)`,
		string(domain.StatusRunning), string(domain.StatusStopping))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CountSessionsByStatus returns the global session count per status.
func (s *SQLiteStore) CountSessionsByStatus(ctx context.Context) (map[domain.SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.SessionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// --- audit log ---

// AppendAudit inserts a write-once audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	query := `
	INSERT INTO audit_log (id, event, user_id, username, session_id, message, ip_address, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, string(entry.Event),
		nullableString(entry.UserID), nullableString(entry.Username),
		nullableString(entry.SessionID), entry.Message,
		nullableString(entry.IPAddress), entry.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*domain.AuditEntry, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(filter.Event))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}

	query := `SELECT id, event, user_id, username, session_id, message, ip_address, timestamp
		FROM audit_log WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var event string
		var userID, username, sessionID, ipAddress sql.NullString
		var ts int64
		if err := rows.Scan(&entry.ID, &event, &userID, &username, &sessionID, &entry.Message, &ipAddress, &ts); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entry.Event = domain.AuditEvent(event)
		entry.UserID = userID.String
		entry.Username = username.String
		entry.SessionID = sessionID.String
		entry.IPAddress = ipAddress.String
		entry.Timestamp = time.Unix(ts, 0)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}

// PruneAudit removes entries older than the retention cutoff.
func (s *SQLiteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return result.RowsAffected()
}
