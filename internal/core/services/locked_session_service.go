package services

import (
	"context"
	"fmt"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
)

// LockedSessionService holds the session's lock across the read and write of
// a status change, so two hosts racing on the same session cannot overwrite
// ENDED with a stale LIVE.
type LockedSessionService struct {
	ports.SessionService
	locker ports.SessionLocker
}

func NewLockedSessionService(base ports.SessionService, locker ports.SessionLocker) *LockedSessionService {
	return &LockedSessionService{SessionService: base, locker: locker}
}

func (s *LockedSessionService) UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", id, err)
	}
	defer unlock()
	return s.SessionService.UpdateSessionStatus(ctx, id, actor, status)
}
