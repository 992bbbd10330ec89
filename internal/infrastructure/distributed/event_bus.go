package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sessionsChannel = "amalive:events:sessions"

// EventType represents the type of event
type EventType string

const EventSessionUpdated EventType = "session.updated"

// Event is the wire form of a cluster event.
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id"`
	Session    *domain.Session  `json:"session,omitempty"`
}

// EventBus relays session updates between amalive instances over Redis
// pub/sub. It implements ports.SessionEventPublisher; events published by
// this instance are not delivered back to it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (eb *EventBus) publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, sessionsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
	)
	return nil
}

func (eb *EventBus) SessionUpdated(ctx context.Context, session *domain.Session) error {
	return eb.publish(ctx, &Event{
		Type:      EventSessionUpdated,
		SessionID: session.ID,
		Session:   session,
	})
}

// Subscribe delivers session updates from other instances to sub until ctx
// is cancelled or Close is called.
func (eb *EventBus) Subscribe(ctx context.Context, sub ports.SessionSubscriber) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, sessionsChannel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(ctx, msg.Payload, sub)
		}
	}
}

func (eb *EventBus) dispatch(ctx context.Context, payload string, sub ports.SessionSubscriber) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	switch event.Type {
	case EventSessionUpdated:
		if event.Session == nil {
			eb.logger.Warnw("session event without session", "session_id", event.SessionID)
			return
		}
		sub.OnSessionUpdated(ctx, event.Session)
	default:
		eb.logger.Debugw("ignoring unknown event", "type", event.Type)
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
