package session

import (
	"context"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
)

// QuotaUsage reports a user's concurrent session budget.
type QuotaUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Quota returns the user's current concurrent session usage. The count is
// derived from the store each time rather than tracked in memory, so it stays
// correct across restarts and concurrent API instances. Reservation itself
// happens inside the store's quota-checked insert.
func (m *Manager) Quota(ctx context.Context, user *domain.User) (*QuotaUsage, error) {
	used, err := m.repo.CountActiveSessions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	limit := user.QuotaLimit()
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaUsage{Used: used, Limit: limit, Remaining: remaining}, nil
}
