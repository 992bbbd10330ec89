package ports

import (
	"context"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/media"
)

type SessionService interface {
	CreateSession(ctx context.Context, host domain.User, draft SessionDraft) (*domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error)
}

// SessionDraft carries the host-editable fields of a new session.
type SessionDraft struct {
	Title         string
	Description   string
	CoHosts       []domain.User
	SourceURLs    []string
	MediaType     domain.MediaType
	StartTime     time.Time
	WalletAddress string
	WalletTicker  string
	IsFeatured    bool
	// TimeLimitMinutes is capped by the host's tier; zero means the cap.
	TimeLimitMinutes int
}

// MediaDevices acquires the visiting user's local media. Errors wrap
// domain.ErrPermissionDenied, domain.ErrDeviceNotFound or domain.ErrDeviceTimeout.
type MediaDevices interface {
	GetLocalAudioStream(ctx context.Context) (*media.Stream, error)
}

type SessionEventPublisher interface {
	SessionUpdated(ctx context.Context, session *domain.Session) error
}

// SessionLocker serializes status changes of one session across every
// instance sharing the store. The returned unlock must be called once.
type SessionLocker interface {
	Lock(ctx context.Context, id domain.SessionID) (unlock func(), err error)
}
