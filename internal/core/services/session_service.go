package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sessionService struct {
	repo      ports.SessionRepository
	publisher ports.SessionEventPublisher
	metrics   StatusMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// StatusMetrics records status transitions. monitoring.PrometheusCollector implements it.
type StatusMetrics interface {
	RecordStatusTransition(from, to domain.SessionStatus)
	RecordSessionCreated(mediaType domain.MediaType)
}

func NewSessionService(
	repo ports.SessionRepository,
	publisher ports.SessionEventPublisher, // Can be nil
	metrics StatusMetrics, // Can be nil
	logger *zap.SugaredLogger,
) ports.SessionService {
	return &sessionService{
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *sessionService) CreateSession(ctx context.Context, host domain.User, draft ports.SessionDraft) (*domain.Session, error) {
	mediaType := draft.MediaType
	if mediaType == "" {
		mediaType = domain.MediaVideo
	}

	var urls []string
	for _, u := range draft.SourceURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if mediaType == domain.MediaVideo && len(urls) == 0 {
		return nil, fmt.Errorf("%w: video sessions need at least one source url", domain.ErrInvalidSession)
	}

	now := s.now()
	startTime := draft.StartTime
	if startTime.IsZero() {
		startTime = now
	}

	limit := TimeLimitMinutes(host)
	if draft.TimeLimitMinutes > 0 && draft.TimeLimitMinutes < limit {
		limit = draft.TimeLimitMinutes
	}

	session := &domain.Session{
		ID:               domain.SessionID(uuid.New().String()),
		Title:            strings.TrimSpace(draft.Title),
		Description:      draft.Description,
		Host:             host,
		CoHosts:          append([]domain.User(nil), draft.CoHosts...),
		SourceURLs:       urls,
		Status:           domain.StatusUpcoming,
		MediaType:        mediaType,
		TimeLimitMinutes: limit,
		StartTime:        startTime,
		WalletAddress:    draft.WalletAddress,
		WalletTicker:     draft.WalletTicker,
		IsFeatured:       draft.IsFeatured,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionCreated(session.MediaType)
	}

	s.logger.Infow("session created",
		"session_id", session.ID,
		"host_id", host.ID,
		"media_type", session.MediaType,
		"time_limit_minutes", session.TimeLimitMinutes,
	)
	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.repo.GetByID(ctx, id)
}

// ListSessions returns live sessions first, then upcoming, then ended, newest start first.
func (s *sessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	rank := map[domain.SessionStatus]int{
		domain.StatusLive:     0,
		domain.StatusUpcoming: 1,
		domain.StatusEnded:    2,
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		ri, rj := rank[sessions[i].Status], rank[sessions[j].Status]
		if ri != rj {
			return ri < rj
		}
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

func (s *sessionService) UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error) {
	ctx, span := tracing.StatusChange(ctx, string(id), string(actor), string(status))
	defer span.End()

	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	if !IsHost(actor, session) {
		return nil, domain.ErrNotHost
	}
	if !session.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, session.Status, status)
	}

	updated := session.Clone()
	from := updated.Status
	updated.Status = status
	updated.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, updated); err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordStatusTransition(from, status)
	}

	s.logger.Infow("session status changed",
		"session_id", id,
		"from", from,
		"to", status,
	)

	if s.publisher != nil {
		if err := s.publisher.SessionUpdated(ctx, updated); err != nil {
			s.logger.Warnw("failed to publish session update",
				"session_id", id,
				"error", err,
			)
		}
	}

	return updated, nil
}

// MultiPublisher fans one session update out to several publishers.
type MultiPublisher []ports.SessionEventPublisher

func (m MultiPublisher) SessionUpdated(ctx context.Context, session *domain.Session) error {
	var firstErr error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.SessionUpdated(ctx, session); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiSubscriber fans one remote session update out to several subscribers.
type MultiSubscriber []ports.SessionSubscriber

func (m MultiSubscriber) OnSessionUpdated(ctx context.Context, session *domain.Session) {
	for _, s := range m {
		if s != nil {
			s.OnSessionUpdated(ctx, session)
		}
	}
}
