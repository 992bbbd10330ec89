package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/internal/infrastructure/middleware"
	ingest "amalive/internal/infrastructure/webrtc"
	"amalive/internal/room"
	"amalive/internal/speaker"
	"amalive/pkg/config"
	"amalive/pkg/errors"
	"amalive/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Ingest is the visit's side of the microphone negotiation.
type Ingest interface {
	ports.MediaDevices
	HandleAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ReportDeviceError(name, message string)
	Close() error
}

// IngestFactory builds the microphone ingest of one visit.
type IngestFactory func(signaler ingest.Signaler, sessionID domain.SessionID, userID domain.UserID) (Ingest, error)

// AudioIngestFactory receives visitor microphones over WebRTC.
func AudioIngestFactory(cfg ingest.Config, metrics ingest.Metrics, logger *zap.SugaredLogger) IngestFactory {
	return func(signaler ingest.Signaler, sessionID domain.SessionID, userID domain.UserID) (Ingest, error) {
		a, err := ingest.NewAudioIngest(cfg, signaler, metrics, logger, sessionID, userID)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Metrics observes the room socket. A nil Metrics is allowed.
type Metrics interface {
	room.Metrics
	RecordWSConnected()
	RecordWSDisconnected()
	RecordWSMessage(messageType string)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
	Room           room.Config
}

// Params are the collaborators of a WebSocketServer.
type Params struct {
	Sessions ports.SessionService
	Audio    *speaker.Context
	Hub      *Hub
	Limiter  *middleware.WSLimiter
	Ingest   IngestFactory
	Metrics  Metrics
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// WebSocketServer serves GET /ws/sessions/:id. Every connection is one room
// visit driven by its own room.Controller.
type WebSocketServer struct {
	cfg       Config
	sessions  ports.SessionService
	audio     *speaker.Context
	hub       *Hub
	limiter   *middleware.WSLimiter
	newIngest IngestFactory
	metrics   Metrics
	clock     clock.Clock
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger
}

func NewWebSocketServer(cfg Config, p Params) *WebSocketServer {
	if p.Logger == nil {
		p.Logger = zap.NewNop().Sugar()
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Hub == nil {
		p.Hub = NewHub(p.Logger)
	}
	if p.Limiter == nil {
		p.Limiter = middleware.NewWSLimiter(config.DefaultConfig())
	}
	if p.Metrics == nil {
		p.Metrics = nopMetrics{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	s := &WebSocketServer{
		cfg:       cfg,
		sessions:  p.Sessions,
		audio:     p.Audio,
		hub:       p.Hub,
		limiter:   p.Limiter,
		newIngest: p.Ingest,
		metrics:   p.Metrics,
		clock:     p.Clock,
		logger:    p.Logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// Hub returns the visit registry, to be subscribed to session updates.
func (s *WebSocketServer) Hub() *Hub {
	return s.hub
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and runs the visit until the
// connection closes.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	viewer, ok := middleware.CurrentUser(c)
	if !ok {
		viewer = anonymousViewer()
	}

	release, status := s.limiter.Admit(c.Request)
	if release == nil {
		s.logger.Infow("websocket connection rejected", "session_id", sessionID, "status", status)
		appErr := errors.RateLimited()
		if status == http.StatusServiceUnavailable {
			appErr = errors.Unavailable("too many open connections")
		}
		c.AbortWithStatusJSON(status, gin.H{"error": appErr.Code, "message": appErr.Message})
		return
	}
	defer release()

	session, err := s.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	if limit := s.limiter.MaxMessageSize(); limit > 0 {
		conn.SetReadLimit(limit)
	}

	logger := s.logger.With("session_id", sessionID, "user_id", viewer.ID)
	v := newVisit(conn, sessionID, viewer, s.cfg.SendBuffer, s.cfg.WriteTimeout, logger)

	var devices ports.MediaDevices
	if s.newIngest != nil {
		ing, err := s.newIngest(v, sessionID, viewer.ID)
		if err != nil {
			logger.Errorw("failed to create audio ingest", "error", err)
			_ = v.write(errorMessage(err))
			return
		}
		v.ingest = ing
		devices = ing
	}

	v.ctrl = room.NewController(s.cfg.Room, room.Params{
		Viewer:   viewer,
		Sessions: s.sessions,
		Devices:  devices,
		Audio:    s.audio,
		Clock:    s.clock,
		Sink:     v.sink,
		Metrics:  s.metrics,
		Logger:   logger,
	})

	go v.writePump(s.clock, s.cfg.PingInterval)
	if err := v.ctrl.Start(session); err != nil {
		logger.Errorw("failed to start room visit", "error", err)
		s.finish(v)
		return
	}
	s.hub.add(v)
	// an update published before the visit joined the hub is caught here
	if current, err := s.sessions.GetSession(c.Request.Context(), sessionID); err == nil {
		v.ctrl.ApplySession(current)
	}
	s.metrics.RecordWSConnected()
	logger.Infow("visitor connected", "anonymous", !ok)

	s.readLoop(v)

	s.hub.remove(v)
	s.finish(v)
	s.metrics.RecordWSDisconnected()
	logger.Infow("visitor disconnected")
}

// finish tears the visit down: controller first, so no event is emitted
// after the writer stopped.
func (s *WebSocketServer) finish(v *visit) {
	v.ctrl.Close()
	if v.ingest != nil {
		if err := v.ingest.Close(); err != nil {
			v.logger.Debugw("error closing audio ingest", "error", err)
		}
	}
	close(v.done)
	<-v.wrote
}

func (s *WebSocketServer) readLoop(v *visit) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := v.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	limiter := s.limiter.MessageLimiter()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.logger.Infow("error reading message from visitor", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !limiter.Allow() {
			v.sendError(ctx, errors.RateLimited())
			continue
		}

		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			v.sendError(ctx, errors.InvalidInput("malformed message"))
			continue
		}
		s.metrics.RecordWSMessage(msg.Type)

		if err := s.handleMessage(ctx, v, msg); err != nil {
			v.logger.Infow("error handling message from visitor", "type", msg.Type, "error", err)
			v.sendError(ctx, err)
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, v *visit, msg SignalMessage) error {
	ctx, span := tracing.VisitMessage(ctx, msg.Type, string(v.sessionID), string(v.viewer.ID))
	defer span.End()

	var err error
	switch msg.Type {
	case MsgStatusChange:
		err = s.handleStatusChange(ctx, v, msg)
	case MsgToggleMute:
		v.ctrl.ToggleMute()
	case MsgToggleCamera:
		v.ctrl.ToggleCamera()
	case MsgAnswer:
		err = s.handleAnswer(v, msg)
	case MsgICECandidate:
		err = s.handleICECandidate(v, msg)
	case MsgDeviceError:
		err = s.handleDeviceError(v, msg)
	case "":
		err = errors.InvalidInput("message type is required")
	default:
		err = errors.InvalidInput(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) handleStatusChange(ctx context.Context, v *visit, msg SignalMessage) error {
	var payload StatusChangePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.InvalidInput("invalid status_change payload")
	}
	if !payload.Status.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown status: %s", payload.Status))
	}

	_, err := v.ctrl.RequestStatus(ctx, payload.Status)
	return err
}

func (s *WebSocketServer) handleAnswer(v *visit, msg SignalMessage) error {
	if v.ingest == nil {
		return errors.InvalidInput("no offer awaiting an answer")
	}
	var payload AnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == "" {
		return errors.InvalidInput("invalid answer payload")
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := v.ingest.HandleAnswer(answer); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput)
	}
	return nil
}

func (s *WebSocketServer) handleICECandidate(v *visit, msg SignalMessage) error {
	if v.ingest == nil {
		return errors.InvalidInput("no negotiation in progress")
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil || candidate.Candidate == "" {
		return errors.InvalidInput("invalid ice_candidate payload")
	}

	if err := v.ingest.AddICECandidate(candidate); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput)
	}
	return nil
}

func (s *WebSocketServer) handleDeviceError(v *visit, msg SignalMessage) error {
	var payload DeviceErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Name == "" {
		return errors.InvalidInput("invalid device_error payload")
	}
	if v.ingest != nil {
		v.ingest.ReportDeviceError(payload.Name, payload.Message)
	}
	return nil
}

func anonymousViewer() domain.User {
	return domain.User{
		ID:   domain.UserID("guest-" + uuid.NewString()),
		Name: "Guest",
		Role: domain.RoleViewer,
		Tier: domain.TierFree,
	}
}

type nopMetrics struct{}

func (nopMetrics) VisitStarted(domain.MediaType) {}
func (nopMetrics) VisitEnded(domain.MediaType)   {}
func (nopMetrics) PublisherStarted()             {}
func (nopMetrics) PublisherStopped()             {}
func (nopMetrics) SpeakingChanged(bool)          {}
func (nopMetrics) DeviceFailed(string)           {}
func (nopMetrics) CountdownExpired()             {}
func (nopMetrics) RecordWSConnected()            {}
func (nopMetrics) RecordWSDisconnected()         {}
func (nopMetrics) RecordWSMessage(string)        {}
