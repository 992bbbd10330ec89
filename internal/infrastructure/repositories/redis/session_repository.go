package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const sessionPrefix = keyPrefix + "session:"

// sessionIndexKey is a sorted set of session ids scored by start time.
const sessionIndexKey = keyPrefix + "sessions:index"

type RedisSessionRepository struct {
	client *redis.Client
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{client: client}
}

func sessionKey(id domain.SessionID) string {
	return sessionPrefix + string(id)
}

func indexMember(session *domain.Session) redis.Z {
	return redis.Z{Score: float64(session.StartTime.Unix()), Member: string(session.ID)}
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	ctx, span := tracing.Store(ctx, "create")
	defer span.End()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, sessionKey(session.ID), data, 0).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store session in Redis: %w", err)
	}
	if !created {
		return domain.ErrSessionExists
	}

	if err := r.client.ZAdd(ctx, sessionIndexKey, indexMember(session)).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	ctx, span := tracing.Store(ctx, "get")
	defer span.End()

	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	ctx, span := tracing.Store(ctx, "update")
	defer span.End()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	updated, err := r.client.SetXX(ctx, sessionKey(session.ID), data, redis.KeepTTL).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !updated {
		return domain.ErrSessionNotFound
	}

	if err := r.client.ZAdd(ctx, sessionIndexKey, indexMember(session)).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.Store(ctx, "delete")
	defer span.End()

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, sessionIndexKey, string(id))
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	ctx, span := tracing.Store(ctx, "list")
	defer span.End()

	ids, err := r.client.ZRevRange(ctx, sessionIndexKey, 0, -1).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Indexed but deleted underneath us.
			continue
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session %s: %w", ids[i], err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}
