package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

// SweepResult counts the work done in one sweep pass.
type SweepResult struct {
	Expired     int `json:"expired"`
	Orphaned    int `json:"orphaned"`
	Failed      int `json:"failed"`
	AuditPruned int `json:"audit_pruned"`
}

// Sweeper is the background reconciler. On each tick it expires lapsed
// sessions, detects containers that vanished out from under their records,
// and prunes the audit log past its retention window. One session's failure
// never aborts the pass.
type Sweeper struct {
	repo      store.Repository
	runtime   container.Runtime
	interval  time.Duration
	retention time.Duration

	group      singleflight.Group
	now        func() time.Time
	retryDelay time.Duration
}

// NewSweeper creates a sweeper with the given tick interval and audit
// retention window.
func NewSweeper(repo store.Repository, runtime container.Runtime, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		repo:       repo,
		runtime:    runtime,
		interval:   interval,
		retention:  retention,
		now:        time.Now,
		retryDelay: retryBaseDelay,
	}
}

// Run ticks until ctx is cancelled. An immediate pass runs on startup so
// sessions that expired while the service was down are reclaimed promptly.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Expiry sweeper started", "interval", s.interval)

	if _, err := s.Sweep(ctx); err != nil {
		slog.Error("Initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass. Overlapping calls (a slow pass still in
// flight when the next tick or a manual trigger arrives) coalesce into one.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SweepResult), nil
}

func (s *Sweeper) sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := s.now().UTC()

	expired, err := s.repo.ListExpiredRunning(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, sess := range expired {
		if err := s.expireSession(ctx, sess); err != nil {
			result.Failed++
			slog.Error("Failed to expire session", "session_id", sess.ID, "error", err)
			continue
		}
		result.Expired++
	}

	orphaned, failed := s.reconcileOrphans(ctx)
	result.Orphaned = orphaned
	result.Failed += failed

	pruned, err := s.repo.PruneAudit(ctx, now.Add(-s.retention))
	if err != nil {
		slog.Error("Audit pruning failed", "error", err)
	} else {
		result.AuditPruned = int(pruned)
	}

	if result.Expired > 0 || result.Orphaned > 0 || result.Failed > 0 {
		slog.Info("Sweep completed",
			"expired", result.Expired,
			"orphaned", result.Orphaned,
			"failed", result.Failed,
			"audit_pruned", result.AuditPruned,
		)
	}
	return result, nil
}

// expireSession walks one lapsed session through stopping to stopped.
// Transient teardown failures are retried before the session is marked as
// errored.
func (s *Sweeper) expireSession(ctx context.Context, sess *domain.Session) error {
	ok, err := s.repo.TransitionSessionStatus(ctx, sess.ID,
		[]domain.SessionStatus{domain.StatusRunning}, domain.StatusStopping, "")
	if err != nil {
		return err
	}
	if !ok {
		// A user request got there first.
		return nil
	}

	if sess.ContainerID != "" {
		err := withRetry(ctx, provisionAttempts, s.retryDelay, func() error {
			return s.runtime.Stop(ctx, sess.ContainerID)
		})
		if err != nil {
			msg := fmt.Sprintf("expiry teardown failed: %v", err)
			if _, terr := s.repo.TransitionSessionStatus(ctx, sess.ID,
				[]domain.SessionStatus{domain.StatusStopping}, domain.StatusError, msg); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		}
	}

	if _, err := s.repo.TransitionSessionStatus(ctx, sess.ID,
		[]domain.SessionStatus{domain.StatusStopping}, domain.StatusStopped, ""); err != nil {
		return err
	}

	s.audit(ctx, domain.EventSessionExpired, sess,
		fmt.Sprintf("session expired at %s", sess.ExpiresAt.Format(time.RFC3339)))
	slog.Info("Expired session reclaimed", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

// reconcileOrphans marks sessions whose containers no longer exist. The store
// says they hold a handle; the runtime disagrees; the runtime wins.
func (s *Sweeper) reconcileOrphans(ctx context.Context) (orphaned, failed int) {
	held, err := s.repo.ListHeldSessions(ctx)
	if err != nil {
		slog.Error("Failed to list held sessions", "error", err)
		return 0, 1
	}

	for _, sess := range held {
		if sess.ContainerID == "" {
			continue
		}
		_, err := s.runtime.Inspect(ctx, sess.ContainerID)
		if err == nil {
			continue
		}
		if shared.CodeOf(err) != shared.CodeNotFound {
			// Engine hiccup, not a missing container; try again next tick.
			slog.Debug("Container inspect failed during reconciliation", "session_id", sess.ID, "error", err)
			continue
		}

		msg := fmt.Sprintf("container %s disappeared while session was %s", sess.ContainerID, sess.Status)
		ok, terr := s.repo.TransitionSessionStatus(ctx, sess.ID,
			[]domain.SessionStatus{domain.StatusRunning, domain.StatusStopping}, domain.StatusError, msg)
		if terr != nil {
			failed++
			slog.Error("Failed to mark orphaned session", "session_id", sess.ID, "error", terr)
			continue
		}
		if ok {
			orphaned++
			s.audit(ctx, domain.EventSessionError, sess, msg)
			slog.Warn("Orphaned session marked as error", "session_id", sess.ID, "container_id", sess.ContainerID)
		}
	}
	return orphaned, failed
}

func (s *Sweeper) audit(ctx context.Context, event domain.AuditEvent, sess *domain.Session, msg string) {
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     event,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Message:   msg,
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("Failed to append audit entry", "event", event, "session_id", sess.ID, "error", err)
	}
}
