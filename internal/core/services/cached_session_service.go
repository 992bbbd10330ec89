package services

import (
	"context"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/pkg/cache"

	"github.com/benbjohnson/clock"
)

const (
	sessionKeyPrefix = "session:"
	sessionListKey   = "sessions:list"
)

// SessionCache holds recently read sessions. It is invalidated as a
// publisher, ahead of the visits that mirror the update, and as a
// subscriber for updates made on other instances.
type SessionCache struct {
	sessions *cache.Cache[*domain.Session]
	lists    *cache.Cache[[]*domain.Session]
}

func NewSessionCache(ttl time.Duration, clk clock.Clock) *SessionCache {
	return &SessionCache{
		sessions: cache.New[*domain.Session](clk, ttl),
		lists:    cache.New[[]*domain.Session](clk, ttl),
	}
}

// Run sweeps expired entries until ctx is done.
func (c *SessionCache) Run(ctx context.Context, interval time.Duration) {
	go c.lists.Run(ctx, interval)
	c.sessions.Run(ctx, interval)
}

// SessionUpdated implements ports.SessionEventPublisher.
func (c *SessionCache) SessionUpdated(_ context.Context, session *domain.Session) error {
	if session != nil {
		c.invalidate(session.ID)
	}
	return nil
}

// OnSessionUpdated implements ports.SessionSubscriber.
func (c *SessionCache) OnSessionUpdated(_ context.Context, session *domain.Session) {
	if session != nil {
		c.invalidate(session.ID)
	}
}

func (c *SessionCache) invalidate(id domain.SessionID) {
	c.sessions.Delete(sessionKeyPrefix + string(id))
	c.lists.Delete(sessionListKey)
}

// CachedSessionService serves reads from a SessionCache. Callers always
// receive copies.
type CachedSessionService struct {
	base  ports.SessionService
	cache *SessionCache
}

func NewCachedSessionService(base ports.SessionService, c *SessionCache) *CachedSessionService {
	return &CachedSessionService{base: base, cache: c}
}

func (s *CachedSessionService) CreateSession(ctx context.Context, host domain.User, draft ports.SessionDraft) (*domain.Session, error) {
	session, err := s.base.CreateSession(ctx, host, draft)
	if err != nil {
		return nil, err
	}
	s.cache.lists.Delete(sessionListKey)
	return session, nil
}

func (s *CachedSessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	session, err := s.cache.sessions.GetOrSet(ctx, sessionKeyPrefix+string(id), func(ctx context.Context) (*domain.Session, error) {
		return s.base.GetSession(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

func (s *CachedSessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := s.cache.lists.GetOrSet(ctx, sessionListKey, s.base.ListSessions)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, len(sessions))
	for i, session := range sessions {
		out[i] = session.Clone()
	}
	return out, nil
}

func (s *CachedSessionService) UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error) {
	session, err := s.base.UpdateSessionStatus(ctx, id, actor, status)
	if err != nil {
		return nil, err
	}
	s.cache.invalidate(id)
	return session, nil
}
