package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total retry time; 0 retries until ctx ends.
	MaxElapsed      time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// SessionServiceWrapper retries transient session store failures with
// exponential backoff and stops calling the store while it keeps failing.
// Domain errors are returned on the first attempt. CreateSession is not
// retried because a retry would mint a second session id.
type SessionServiceWrapper struct {
	service ports.SessionService
	cfg     Config
	breaker *breaker
	logger  *zap.SugaredLogger
}

func NewSessionServiceWrapper(service ports.SessionService, cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *SessionServiceWrapper {
	if clk == nil {
		clk = clock.New()
	}
	w := &SessionServiceWrapper{
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
	w.breaker = newBreaker(clk, cfg.BreakerFailures, cfg.BreakerCooldown, func(from, to breakerState) {
		logger.Warnw("session store breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrSessionExists) ||
		errors.Is(err, domain.ErrInvalidSession) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrNotHost) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *SessionServiceWrapper) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	b.MaxElapsedTime = w.cfg.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// call runs op under the breaker and the retry policy.
func (w *SessionServiceWrapper) call(ctx context.Context, name string, op func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if !w.breaker.allow() {
			return backoff.Permanent(ErrBreakerOpen)
		}
		err := op()
		if err == nil || isPermanent(err) {
			w.breaker.record(false)
		} else {
			w.breaker.record(true)
		}
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, w.policy(ctx), func(err error, next time.Duration) {
		w.logger.Warnw("session store call failed, retrying",
			"operation", name,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	})
	if errors.Is(err, ErrBreakerOpen) {
		return fmt.Errorf("%s: %w", name, ErrBreakerOpen)
	}
	return err
}

func (w *SessionServiceWrapper) CreateSession(ctx context.Context, host domain.User, draft ports.SessionDraft) (*domain.Session, error) {
	if !w.breaker.allow() {
		return nil, fmt.Errorf("create session: %w", ErrBreakerOpen)
	}
	session, err := w.service.CreateSession(ctx, host, draft)
	w.breaker.record(err != nil && !isPermanent(err))
	return session, err
}

func (w *SessionServiceWrapper) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var session *domain.Session
	err := w.call(ctx, "get session", func() error {
		var err error
		session, err = w.service.GetSession(ctx, id)
		return err
	})
	return session, err
}

func (w *SessionServiceWrapper) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := w.call(ctx, "list sessions", func() error {
		var err error
		sessions, err = w.service.ListSessions(ctx)
		return err
	})
	return sessions, err
}

// UpdateSessionStatus retries transient failures. When an earlier attempt
// was persisted but reported an error, the retry sees an invalid transition;
// if the stored status already equals the requested one that counts as success.
func (w *SessionServiceWrapper) UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error) {
	var (
		session  *domain.Session
		attempts int
	)
	err := w.call(ctx, "update session status", func() error {
		attempts++
		var err error
		session, err = w.service.UpdateSessionStatus(ctx, id, actor, status)
		return err
	})
	if err != nil && attempts > 1 && errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := w.service.GetSession(ctx, id)
		if getErr == nil && current.Status == status {
			return current, nil
		}
	}
	return session, err
}
