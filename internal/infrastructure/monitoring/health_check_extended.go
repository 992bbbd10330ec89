package monitoring

import (
	"context"
	"errors"
	"time"

	"amalive/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errCheckFailed = errors.New("check failed")

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck checks the session store by listing sessions.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("session_repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
