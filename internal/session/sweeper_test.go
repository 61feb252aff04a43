package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *Manager, *fakeRuntime, store.Repository) {
	t.Helper()
	mgr, runtime, repo := newTestManager(t)
	sweeper := NewSweeper(repo, runtime, time.Minute, 24*time.Hour)
	sweeper.retryDelay = time.Millisecond
	return sweeper, mgr, runtime, repo
}

// lapse forces a running session's expiry into the past.
func lapse(t *testing.T, repo store.Repository, id string) {
	t.Helper()
	ok, err := repo.ExtendSessionExpiry(context.Background(), id, time.Now().Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("lapse session: ok=%v err=%v", ok, err)
	}
}

func TestSweepReclaimsExpiredSessions(t *testing.T) {
	sweeper, mgr, runtime, repo := newTestSweeper(t)
	ctx := context.Background()
	user := newManagerUser(t, repo, 3)

	sess, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lapse(t, repo, sess.ID)

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected 1 expired, got %+v", result)
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
	if got.ContainerID != "" {
		t.Fatal("reclaimed session must not hold a container handle")
	}
	if runtime.isRunning(sess.ContainerID) {
		t.Fatal("container should be stopped")
	}

	entries, err := repo.ListAudit(ctx, store.AuditFilter{SessionID: sess.ID, Event: domain.EventSessionExpired})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected an expiry audit entry, got %d", len(entries))
	}
}

func TestSweepRetriesTransientTeardown(t *testing.T) {
	sweeper, mgr, runtime, repo := newTestSweeper(t)
	ctx := context.Background()
	user := newManagerUser(t, repo, 3)

	sess, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lapse(t, repo, sess.ID)

	runtime.mu.Lock()
	runtime.stopErrs = []error{
		shared.WrapTransient(shared.CodeTeardown, "engine hiccup", errors.New("timeout")),
	}
	runtime.mu.Unlock()

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 1 || result.Failed != 0 {
		t.Fatalf("transient teardown failure should be retried, got %+v", result)
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.StatusStopped {
		t.Fatalf("expected stopped after retry, got %s (%s)", got.Status, got.LastError)
	}
	if runtime.isRunning(sess.ContainerID) {
		t.Fatal("container must be reclaimed on the retry")
	}

	runtime.mu.Lock()
	stops := len(runtime.stopCalls)
	runtime.mu.Unlock()
	if stops != 2 {
		t.Fatalf("expected a second stop attempt, got %d", stops)
	}
}

func TestSweepLeavesHealthySessionsAlone(t *testing.T) {
	sweeper, mgr, _, repo := newTestSweeper(t)
	ctx := context.Background()
	user := newManagerUser(t, repo, 3)

	sess, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 0 || result.Orphaned != 0 {
		t.Fatalf("healthy session must be untouched, got %+v", result)
	}

	got, _ := repo.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

func TestSweepMarksOrphanedSessions(t *testing.T) {
	sweeper, mgr, runtime, repo := newTestSweeper(t)
	ctx := context.Background()
	user := newManagerUser(t, repo, 3)

	sess, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The container vanishes behind the store's back.
	runtime.mu.Lock()
	delete(runtime.running, sess.ContainerID)
	runtime.mu.Unlock()

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Orphaned != 1 {
		t.Fatalf("expected 1 orphaned, got %+v", result)
	}

	got, _ := repo.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("orphaned session must carry a diagnostic")
	}
}

func TestSweepIsolatesPerSessionFailures(t *testing.T) {
	sweeper, mgr, runtime, repo := newTestSweeper(t)
	ctx := context.Background()
	user := newManagerUser(t, repo, 3)

	bad, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create bad: %v", err)
	}
	good, err := mgr.Create(ctx, user, CreateRequest{})
	if err != nil {
		t.Fatalf("Create good: %v", err)
	}
	lapse(t, repo, bad.ID)
	lapse(t, repo, good.ID)

	runtime.mu.Lock()
	runtime.stopErrFor = map[string]error{
		bad.ContainerID: shared.Wrap(shared.CodeTeardown, "engine refused", errors.New("boom")),
	}
	runtime.mu.Unlock()

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 1 || result.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", result)
	}

	gotGood, _ := repo.GetSession(ctx, good.ID)
	if gotGood.Status != domain.StatusStopped {
		t.Fatalf("healthy teardown should complete, got %s", gotGood.Status)
	}
	gotBad, _ := repo.GetSession(ctx, bad.ID)
	if gotBad.Status != domain.StatusError {
		t.Fatalf("failed teardown should land in error, got %s", gotBad.Status)
	}
}

func TestSweepPrunesOldAuditEntries(t *testing.T) {
	sweeper, _, _, repo := newTestSweeper(t)
	ctx := context.Background()

	old := &domain.AuditEntry{
		ID:        uuid.NewString(),
		Event:     domain.EventSessionStopped,
		SessionID: "old-session",
		Message:   "ancient history",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := repo.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.AuditPruned != 1 {
		t.Fatalf("expected 1 pruned entry, got %+v", result)
	}
}
