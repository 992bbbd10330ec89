package signal

import (
	"context"
	"sync"

	"amalive/internal/core/domain"

	"go.uber.org/zap"
)

// Hub tracks the open room visits of this instance and mirrors session
// updates into them. It publishes local updates and subscribes to updates
// made on other instances.
type Hub struct {
	mu     sync.RWMutex
	visits map[domain.SessionID]map[*visit]struct{}
	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		visits: make(map[domain.SessionID]map[*visit]struct{}),
		logger: logger,
	}
}

func (h *Hub) add(v *visit) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.visits[v.sessionID]
	if !ok {
		set = make(map[*visit]struct{})
		h.visits[v.sessionID] = set
	}
	set[v] = struct{}{}
}

func (h *Hub) remove(v *visit) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.visits[v.sessionID]
	delete(set, v)
	if len(set) == 0 {
		delete(h.visits, v.sessionID)
	}
}

// SessionUpdated implements ports.SessionEventPublisher for this instance.
func (h *Hub) SessionUpdated(ctx context.Context, session *domain.Session) error {
	h.OnSessionUpdated(ctx, session)
	return nil
}

// OnSessionUpdated applies session to every visit of that session.
func (h *Hub) OnSessionUpdated(_ context.Context, session *domain.Session) {
	if session == nil {
		return
	}

	h.mu.RLock()
	targets := make([]*visit, 0, len(h.visits[session.ID]))
	for v := range h.visits[session.ID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		v.ctrl.ApplySession(session)
	}
	if len(targets) > 0 {
		h.logger.Debugw("session update applied to visits",
			"session_id", session.ID,
			"status", session.Status,
			"visits", len(targets),
		)
	}
}

// Connections is the number of open visits.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.visits {
		n += len(set)
	}
	return n
}

// Visitors is the number of open visits of one session.
func (h *Hub) Visitors(id domain.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.visits[id])
}
