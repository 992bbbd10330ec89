package ports

import (
	"context"

	"amalive/internal/core/domain"
)

// SessionSubscriber is notified about session changes made anywhere in the cluster.
type SessionSubscriber interface {
	OnSessionUpdated(ctx context.Context, session *domain.Session)
}
