package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const minPasswordLength = 8

// AccountDefaults seed the quota fields of newly registered accounts. The
// values come from configuration; zero fields fall back to the domain
// defaults.
type AccountDefaults struct {
	MaxContainers    int
	ContainerTimeout int // seconds
}

// Service implements registration, login, and token refresh.
type Service struct {
	repo     store.Repository
	tokens   *TokenManager
	defaults AccountDefaults
}

// NewService creates an auth service.
func NewService(repo store.Repository, tokens *TokenManager, defaults AccountDefaults) *Service {
	if defaults.MaxContainers <= 0 {
		defaults.MaxContainers = domain.DefaultMaxContainers
	}
	if defaults.ContainerTimeout <= 0 {
		defaults.ContainerTimeout = domain.DefaultContainerTimeout
	}
	return &Service{repo: repo, tokens: tokens, defaults: defaults}
}

// Register creates a new user account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, username, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)

	if !emailPattern.MatchString(email) {
		return nil, shared.New(shared.CodeValidation, "invalid email address")
	}
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	if len(password) < minPasswordLength {
		return nil, shared.New(shared.CodeValidation,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	if existing, err := s.repo.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, shared.New(shared.CodeValidation, "email is already registered")
	} else if err != nil && shared.CodeOf(err) != shared.CodeNotFound {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:               uuid.NewString(),
		Email:            email,
		Username:         username,
		PasswordHash:     string(hash),
		Active:           true,
		MaxContainers:    s.defaults.MaxContainers,
		ContainerTimeout: s.defaults.ContainerTimeout,
		PreferredBrowser: domain.BrowserFirefox,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.audit(ctx, domain.EventUserCreated, user, "", fmt.Sprintf("user %s registered", email))
	slog.Info("User registered", "user_id", user.ID, "email", email)
	return user, nil
}

// Login verifies credentials and returns a token pair. Failed attempts are
// audited with the source address; the error never says which part was wrong.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*TokenPair, *domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if shared.CodeOf(err) == shared.CodeNotFound {
			s.auditLoginFailure(ctx, email, ip)
			return nil, nil, shared.New(shared.CodeUnauthorized, "invalid email or password")
		}
		return nil, nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.auditLoginFailure(ctx, email, ip)
			return nil, nil, shared.New(shared.CodeUnauthorized, "invalid email or password")
		}
		return nil, nil, fmt.Errorf("compare password: %w", err)
	}

	if !user.Active {
		return nil, nil, shared.New(shared.CodeForbidden, "account is disabled")
	}

	pair, err := s.tokens.Issue(user)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Warn("Failed to record last login", "user_id", user.ID, "error", err)
	}
	user.LastLoginAt = &now

	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     domain.EventLoginSuccess,
		UserID:    user.ID,
		Username:  user.Username,
		Message:   "login successful",
		IPAddress: ip,
		Timestamp: now,
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		slog.Error("Failed to append audit entry", "event", entry.Event, "error", err)
	}

	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a new token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if shared.CodeOf(err) == shared.CodeNotFound {
			return nil, shared.New(shared.CodeUnauthorized, "account no longer exists")
		}
		return nil, err
	}
	if !user.Active {
		return nil, shared.New(shared.CodeForbidden, "account is disabled")
	}
	return s.tokens.Issue(user)
}

// Authenticate resolves an access token to its user record.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*domain.User, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if shared.CodeOf(err) == shared.CodeNotFound {
			return nil, shared.New(shared.CodeUnauthorized, "account no longer exists")
		}
		return nil, err
	}
	if !user.Active {
		return nil, shared.New(shared.CodeForbidden, "account is disabled")
	}
	return user, nil
}

// BootstrapAdmin ensures the configured admin account exists. Called once at
// startup; a no-op when the account is already present or no admin is
// configured.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	if _, err := s.repo.GetUserByEmail(ctx, strings.ToLower(email)); err == nil {
		return nil
	} else if shared.CodeOf(err) != shared.CodeNotFound {
		return err
	}

	user, err := s.Register(ctx, email, "admin", password)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	user.IsAdmin = true
	user.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("promote admin: %w", err)
	}
	slog.Info("Admin account bootstrapped", "email", user.Email)
	return nil
}

func (s *Service) auditLoginFailure(ctx context.Context, email, ip string) {
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     domain.EventLoginFailed,
		Message:   fmt.Sprintf("failed login attempt for %s", email),
		IPAddress: ip,
		Timestamp: time.Now().UTC(),
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		slog.Error("Failed to append audit entry", "event", entry.Event, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, event domain.AuditEvent, user *domain.User, sessionID, msg string) {
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     event,
		SessionID: sessionID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	if user != nil {
		entry.UserID = user.ID
		entry.Username = user.Username
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		slog.Error("Failed to append audit entry", "event", event, "error", err)
	}
}
