package http

import (
	"bytes"
	"net/http"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/internal/core/services"
	"amalive/internal/infrastructure/middleware"
	"amalive/internal/render"
	"amalive/pkg/errors"
	"amalive/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	sessions   ports.SessionService
	renderer   *render.HTMLRenderer
	multiParty bool
	now        func() time.Time
	logger     *zap.SugaredLogger
}

func NewSessionHandler(
	sessions ports.SessionService,
	renderer *render.HTMLRenderer,
	multiParty bool,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		sessions:   sessions,
		renderer:   renderer,
		multiParty: multiParty,
		now:        time.Now,
		logger:     logger,
	}
}

// SetupRoutes registers the session API. auth rejects anonymous callers,
// optionalAuth lets them through as viewers.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, auth, optionalAuth gin.HandlerFunc) {
	api := router.Group("/api/v1/sessions")
	{
		api.POST("", auth, h.CreateSession)
		api.GET("", optionalAuth, h.ListSessions)
		api.GET("/:id", optionalAuth, h.GetSession)
		api.POST("/:id/status", auth, h.UpdateStatus)
		api.GET("/:id/composition", optionalAuth, h.GetComposition)
		api.GET("/:id/stage", optionalAuth, h.GetStage)
	}
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	host, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.Unauthorized("authentication required"))
		return
	}
	if host.Role == domain.RoleViewer {
		c.Error(errors.Forbidden("viewers cannot host sessions"))
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.InvalidInput("invalid request format"))
		return
	}
	draft, err := req.Draft()
	if err != nil {
		c.Error(err)
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), host, draft)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": session,
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	if status := domain.SessionStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			c.Error(errors.InvalidInput("unknown status filter"))
			return
		}
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Status == status {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

func (h *SessionHandler) UpdateStatus(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.Unauthorized("authentication required"))
		return
	}
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.Error(errors.InvalidInput("status must be one of UPCOMING, LIVE, ENDED"))
		return
	}

	session, err := h.sessions.UpdateSessionStatus(c.Request.Context(), id, user.ID, req.Status)
	if err != nil {
		h.logger.Infow("status update rejected",
			"session_id", id,
			"user_id", user.ID,
			"status", req.Status,
			"error", err,
		)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

func (h *SessionHandler) GetComposition(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	viewer, _ := middleware.CurrentUser(c)

	c.JSON(http.StatusOK, gin.H{
		"session_id":  session.ID,
		"composition": services.Compose(session, viewer.ID),
	})
}

// GetStage renders the media panel as a viewer without local media would
// see it right now.
func (h *SessionHandler) GetStage(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	viewer, _ := middleware.CurrentUser(c)
	stage := h.stageFor(session, viewer.ID)

	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{"stage": stage})
		return
	}

	var buf bytes.Buffer
	if err := h.renderer.Render(&buf, stage); err != nil {
		h.logger.Errorw("failed to render stage", "session_id", session.ID, "error", err)
		c.Error(errors.Internal("failed to render stage"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (h *SessionHandler) stageFor(session *domain.Session, viewer domain.UserID) render.Stage {
	comp := services.Compose(session, viewer)
	variant := render.VariantFor(session.MediaType)
	tiles := make([]render.Tile, 0, len(comp.Participants))
	for _, p := range comp.Participants {
		tiles = append(tiles, render.BuildTile(render.TileState{Participant: p, Variant: variant}))
	}

	return render.BuildStage(render.StageInput{
		Session:          session,
		Viewer:           viewer,
		Composition:      comp,
		Tiles:            tiles,
		RemainingSeconds: h.remainingSeconds(session),
		MultiParty:       h.multiParty,
	})
}

// remainingSeconds estimates the countdown from the moment the session went live.
func (h *SessionHandler) remainingSeconds(session *domain.Session) int {
	if session.Status != domain.StatusLive {
		return 0
	}
	elapsed := h.now().Sub(session.UpdatedAt)
	remaining := time.Duration(session.TimeLimitMinutes)*time.Minute - elapsed
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

func (h *SessionHandler) loadSession(c *gin.Context) (*domain.Session, bool) {
	id, ok := sessionID(c)
	if !ok {
		return nil, false
	}
	session, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return session, true
}

func sessionID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		c.Error(errors.InvalidInput(err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}
