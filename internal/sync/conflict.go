package sync

import (
	"context"
	"strings"
)

// ResolveConflict applies the one-time unresolved -> strategy transition and
// stamps resolver identity and time. Resolution is an audit decision: the
// underlying aggregate is not replayed or reconciled here.
func (s *Service) ResolveConflict(ctx context.Context, tenantID, conflictID, resolverID, strategy string) (SyncConflict, error) {
	strategy = strings.TrimSpace(strategy)
	if strategy == "" || strategy == ResolutionUnresolved {
		return SyncConflict{}, ErrInvalidInput
	}
	if resolverID == "" {
		return SyncConflict{}, ErrInvalidInput
	}
	return s.conflicts.Resolve(ctx, tenantID, conflictID, resolverID, strategy, s.now())
}

// Conflict fetches a single conflict within a tenant.
func (s *Service) Conflict(ctx context.Context, tenantID, conflictID string) (SyncConflict, error) {
	return s.conflicts.Get(ctx, tenantID, conflictID)
}

// UnresolvedConflicts lists a user's open conflicts.
func (s *Service) UnresolvedConflicts(ctx context.Context, tenantID, userID string) ([]SyncConflict, error) {
	return s.conflicts.ListUnresolvedByUser(ctx, tenantID, userID)
}

// TenantConflicts lists conflicts institution-wide for admin review.
func (s *Service) TenantConflicts(ctx context.Context, tenantID string, unresolvedOnly bool) ([]SyncConflict, error) {
	return s.conflicts.ListByTenant(ctx, tenantID, unresolvedOnly)
}
