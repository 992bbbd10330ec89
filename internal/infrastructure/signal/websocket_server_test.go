package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/internal/core/services"
	"amalive/internal/infrastructure/middleware"
	"amalive/internal/infrastructure/repositories/memory"
	ingest "amalive/internal/infrastructure/webrtc"
	"amalive/internal/media"
	"amalive/internal/render"
	"amalive/internal/room"
	"amalive/internal/speaker"
	"amalive/pkg/config"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeIngest struct {
	signaler   ingest.Signaler
	answers    chan webrtc.SessionDescription
	deviceErrs chan error

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	closed     atomic.Bool
}

func (f *fakeIngest) GetLocalAudioStream(ctx context.Context) (*media.Stream, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}
	if err := f.signaler.SendOffer(ctx, offer); err != nil {
		return nil, err
	}
	select {
	case <-f.answers:
		return media.NewStream(media.NewTrack(media.KindAudio)), nil
	case err := <-f.deviceErrs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeIngest) HandleAnswer(answer webrtc.SessionDescription) error {
	select {
	case f.answers <- answer:
	default:
	}
	return nil
}

func (f *fakeIngest) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakeIngest) ReportDeviceError(name, message string) {
	select {
	case f.deviceErrs <- ingest.DeviceError(name, message):
	default:
	}
}

func (f *fakeIngest) Close() error {
	f.closed.Store(true)
	return nil
}

type testEnv struct {
	server   *httptest.Server
	ws       *WebSocketServer
	sessions ports.SessionService
	repo     ports.SessionRepository
	auth     services.AuthService

	mu      sync.Mutex
	ingests []*fakeIngest
}

var (
	wsHost   = domain.User{ID: "host-1", Name: "Host", Role: domain.RoleHost, Tier: domain.TierFree}
	wsViewer = domain.User{ID: "viewer-1", Name: "Viewer", Role: domain.RoleViewer, Tier: domain.TierFree}
)

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	audio, err := speaker.NewContext(clock.NewMock(), time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		repo: memory.NewMemorySessionRepository(),
		auth: services.NewAuthService("test-secret", time.Hour),
	}
	hub := NewHub(logger)
	env.sessions = services.NewSessionService(env.repo, hub, nil, logger)

	env.ws = NewWebSocketServer(Config{
		PingInterval:   time.Minute,
		PongTimeout:    2 * time.Minute,
		WriteTimeout:   time.Second,
		SendBuffer:     32,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		Room:           room.DefaultConfig(),
	}, Params{
		Sessions: env.sessions,
		Audio:    audio,
		Hub:      hub,
		Limiter:  middleware.NewWSLimiter(cfg),
		Ingest: func(s ingest.Signaler, _ domain.SessionID, _ domain.UserID) (Ingest, error) {
			f := &fakeIngest{
				signaler:   s,
				answers:    make(chan webrtc.SessionDescription, 1),
				deviceErrs: make(chan error, 1),
			}
			env.mu.Lock()
			env.ingests = append(env.ingests, f)
			env.mu.Unlock()
			return f, nil
		},
		Logger: logger,
	})

	r := gin.New()
	r.Use(middleware.ErrorHandlerMiddleware(logger))
	r.GET("/ws/sessions/:id", middleware.OptionalAuthMiddleware(env.auth, true), env.ws.HandleWebSocket)
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) createSession(t *testing.T, mediaType domain.MediaType) *domain.Session {
	t.Helper()
	draft := ports.SessionDraft{Title: "AMA", MediaType: mediaType}
	if mediaType == domain.MediaVideo {
		draft.SourceURLs = []string{"https://youtu.be/dQw4w9WgXcQ"}
	}
	session, err := e.sessions.CreateSession(context.Background(), wsHost, draft)
	require.NoError(t, err)
	return session
}

func (e *testEnv) url(id domain.SessionID, user *domain.User, t *testing.T) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/sessions/" + string(id)
	if user != nil {
		token, err := e.auth.GenerateToken(*user)
		require.NoError(t, err)
		u += "?access_token=" + token
	}
	return u
}

func (e *testEnv) dial(t *testing.T, id domain.SessionID, user *domain.User) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(id, user, t), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) ingest(t *testing.T, i int) *fakeIngest {
	t.Helper()
	var f *fakeIngest
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.ingests) <= i {
			return false
		}
		f = e.ingests[i]
		return true
	}, time.Second, time.Millisecond)
	return f
}

type received struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Alert   string          `json:"alert"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Stage   *render.Stage   `json:"stage"`
	Payload json.RawMessage `json:"payload"`
}

// next reads until a message satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(received) bool) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m received
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(received) bool {
	return func(m received) bool { return m.Type == typ }
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketServer_ViewerReceivesStage(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaVideo)

	conn := env.dial(t, session.ID, nil)
	m := next(t, conn, ofType(string(room.EventState)))

	require.NotNil(t, m.Stage)
	assert.Equal(t, session.ID, m.Stage.SessionID)
	assert.Equal(t, domain.StatusUpcoming, m.Stage.Status)
	assert.False(t, m.Stage.ShowControls)
	assert.False(t, m.Stage.ShowHostControls)
	require.NotNil(t, m.Stage.Video)
	assert.Equal(t, 1, env.ws.Hub().Visitors(session.ID))
}

func TestWebSocketServer_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.url("missing", nil, t), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketServer_HostPublishesMicrophone(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaAudio)

	conn := env.dial(t, session.ID, &wsHost)
	offer := next(t, conn, ofType(MsgOffer))
	var sdp webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offer.Payload, &sdp))
	assert.Equal(t, webrtc.SDPTypeOffer, sdp.Type)

	send(t, conn, MsgICECandidate, map[string]interface{}{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	send(t, conn, MsgAnswer, map[string]string{"sdp": "v=0\r\n"})

	m := next(t, conn, func(m received) bool { return m.Stage != nil && m.Stage.ShowControls })
	assert.False(t, m.Stage.Muted)

	send(t, conn, MsgToggleMute, nil)
	m = next(t, conn, func(m received) bool { return m.Stage != nil && m.Stage.Muted })
	assert.True(t, m.Stage.ShowControls)

	f := env.ingest(t, 0)
	f.mu.Lock()
	assert.Len(t, f.candidates, 1)
	f.mu.Unlock()
}

func TestWebSocketServer_DeviceErrorRaisesAlert(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaAudio)

	conn := env.dial(t, session.ID, &wsHost)
	next(t, conn, ofType(MsgOffer))
	send(t, conn, MsgDeviceError, DeviceErrorPayload{Name: "NotAllowedError", Message: "Permission denied"})

	m := next(t, conn, ofType(string(room.EventAlert)))
	assert.Equal(t, room.AlertDeviceAccess, m.Alert)
}

func TestWebSocketServer_StatusChangeReachesEveryVisit(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaVideo)

	hostConn := env.dial(t, session.ID, &wsHost)
	next(t, hostConn, ofType(string(room.EventState)))
	viewerConn := env.dial(t, session.ID, &wsViewer)
	next(t, viewerConn, ofType(string(room.EventState)))
	require.Eventually(t, func() bool { return env.ws.Hub().Visitors(session.ID) == 2 }, time.Second, time.Millisecond)

	send(t, hostConn, MsgStatusChange, StatusChangePayload{Status: domain.StatusLive})

	for _, conn := range []*websocket.Conn{hostConn, viewerConn} {
		m := next(t, conn, ofType(string(room.EventStatus)))
		assert.Equal(t, string(domain.StatusLive), m.Status)
	}

	stored, err := env.repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, stored.Status)
}

func TestWebSocketServer_ViewerCannotChangeStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaVideo)

	conn := env.dial(t, session.ID, &wsViewer)
	send(t, conn, MsgStatusChange, StatusChangePayload{Status: domain.StatusLive})

	m := next(t, conn, ofType(MsgError))
	assert.Equal(t, "FORBIDDEN", m.Code)

	stored, err := env.repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUpcoming, stored.Status)
}

func TestWebSocketServer_RejectsBadMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaVideo)
	conn := env.dial(t, session.ID, nil)

	tests := []struct {
		name    string
		message string
		code    string
	}{
		{"malformed", `{"type":`, "INVALID_INPUT"},
		{"missing type", `{}`, "INVALID_INPUT"},
		{"unknown type", `{"type":"join_stream"}`, "INVALID_INPUT"},
		{"bad status", `{"type":"status_change","payload":{"status":"PAUSED"}}`, "INVALID_INPUT"},
		{"answer without sdp", `{"type":"answer","payload":{}}`, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.message)))
			m := next(t, conn, ofType(MsgError))
			assert.Equal(t, tt.code, m.Code)
		})
	}
}

func TestWebSocketServer_MessageRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.WebSocket.MessagesPerSecond = 0.001
		cfg.RateLimiting.WebSocket.Burst = 1
	})
	session := env.createSession(t, domain.MediaVideo)
	conn := env.dial(t, session.ID, nil)

	send(t, conn, MsgToggleMute, nil)
	send(t, conn, MsgToggleMute, nil)

	m := next(t, conn, ofType(MsgError))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", m.Code)
}

func TestWebSocketServer_DisconnectTearsDownVisit(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaAudio)

	conn := env.dial(t, session.ID, &wsHost)
	next(t, conn, ofType(MsgOffer))
	require.Eventually(t, func() bool { return env.ws.Hub().Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return env.ws.Hub().Connections() == 0 }, 5*time.Second, 5*time.Millisecond)
	f := env.ingest(t, 0)
	assert.Eventually(t, f.closed.Load, 5*time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	ws := NewWebSocketServer(Config{AllowedOrigins: []string{"app.example.com", "https://admin.example.com"}}, Params{})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://admin.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, ws.checkOrigin(r), tt.origin)
	}
}

// staleRead answers the first lookup with a snapshot taken before a status
// change that was published while the visit was still connecting.
type staleRead struct {
	ports.SessionService
	stale *domain.Session
	used  atomic.Bool
}

func (s *staleRead) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	if s.used.CompareAndSwap(false, true) {
		return s.stale.Clone(), nil
	}
	return s.SessionService.GetSession(ctx, id)
}

func TestWebSocketServer_JoinCatchesUpWithMissedUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.createSession(t, domain.MediaVideo)
	live := session.Clone()
	live.Status = domain.StatusLive
	require.NoError(t, env.repo.Update(context.Background(), live))
	env.ws.sessions = &staleRead{SessionService: env.sessions, stale: session}

	conn := env.dial(t, session.ID, &wsViewer)

	m := next(t, conn, ofType(string(room.EventStatus)))
	assert.Equal(t, string(domain.StatusLive), m.Status)
	m = next(t, conn, func(m received) bool {
		return m.Stage != nil && m.Stage.Status == domain.StatusLive
	})
	assert.NotEmpty(t, m.Stage.Timer)
}
