package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/internal/media"
	"amalive/internal/speaker"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, host domain.User, draft ports.SessionDraft) (*domain.Session, error) {
	args := m.Called(ctx, host, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Session), args.Error(1)
}

func (m *MockSessionService) UpdateSessionStatus(ctx context.Context, id domain.SessionID, actor domain.UserID, status domain.SessionStatus) (*domain.Session, error) {
	args := m.Called(ctx, id, actor, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

type fakeDevices struct {
	stream  *media.Stream
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (f *fakeDevices) GetLocalAudioStream(ctx context.Context) (*media.Stream, error) {
	f.calls.Add(1)
	if f.release != nil {
		// Devices may answer after the caller gave up.
		<-f.release
	}
	return f.stream, f.err
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) alerts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == EventAlert {
			out = append(out, e.Alert)
		}
	}
	return out
}

type harness struct {
	ctrl     *Controller
	clock    *clock.Mock
	audio    *speaker.Context
	sessions *MockSessionService
	devices  *fakeDevices
	events   *eventLog
}

func newHarness(t *testing.T, viewer domain.User, devices *fakeDevices) *harness {
	t.Helper()
	audio, err := speaker.NewContext(clock.NewMock(), time.Hour)
	require.NoError(t, err)

	h := &harness{
		clock:    clock.NewMock(),
		audio:    audio,
		sessions: new(MockSessionService),
		devices:  devices,
		events:   &eventLog{},
	}
	h.ctrl = NewController(DefaultConfig(), Params{
		Viewer:   viewer,
		Sessions: h.sessions,
		Devices:  devices,
		Audio:    audio,
		Clock:    h.clock,
		Sink:     h.events.sink,
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

var (
	host    = domain.User{ID: "h", Name: "Host", Role: domain.RoleHost, Tier: domain.TierFree}
	coHost  = domain.User{ID: "c1", Name: "Co", Role: domain.RoleCoHost, Tier: domain.TierFree}
	visitor = domain.User{ID: "v", Name: "Viewer", Role: domain.RoleViewer, Tier: domain.TierFree}
)

func session(status domain.SessionStatus, mediaType domain.MediaType, hostTier domain.UserTier) *domain.Session {
	h := host
	h.Tier = hostTier
	return &domain.Session{
		ID:               "s1",
		Title:            "AMA",
		Host:             h,
		CoHosts:          []domain.User{coHost},
		Status:           status,
		MediaType:        mediaType,
		TimeLimitMinutes: 30,
		SourceURLs:       []string{"https://youtu.be/dQw4w9WgXcQ"},
	}
}

func micStream() (*media.Stream, *media.Track) {
	track := media.NewTrack(media.KindAudio)
	return media.NewStream(track), track
}

func TestController_GoLiveStartsCountdown(t *testing.T) {
	h := newHarness(t, host, &fakeDevices{err: domain.ErrDeviceNotFound})
	require.NoError(t, h.ctrl.Start(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree)))
	assert.Equal(t, 0, h.ctrl.RemainingSeconds())

	live := session(domain.StatusLive, domain.MediaVideo, domain.TierFree)
	h.sessions.On("UpdateSessionStatus", mock.Anything, domain.SessionID("s1"), domain.UserID("h"), domain.StatusLive).
		Return(live, nil)

	_, err := h.ctrl.RequestStatus(context.Background(), domain.StatusLive)
	require.NoError(t, err)
	assert.Equal(t, 1800, h.ctrl.RemainingSeconds())
	assert.Equal(t, 1, h.events.count(EventStatus))

	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return h.ctrl.RemainingSeconds() == 1799 }, time.Second, time.Millisecond)
	assert.Equal(t, "TIME LEFT: 00:29:59", h.ctrl.Stage().Timer)
}

func TestController_DeviceErrorRaisesAlert(t *testing.T) {
	devices := &fakeDevices{err: domain.ErrPermissionDenied}
	h := newHarness(t, host, devices)

	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierFree)))

	assert.Eventually(t, func() bool {
		return len(h.events.alerts()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{AlertDeviceAccess}, h.events.alerts())
	assert.Nil(t, h.ctrl.LocalStream())
	assert.False(t, h.ctrl.ShowControls())
	assert.False(t, h.ctrl.Stage().ShowControls)
	assert.Equal(t, int32(1), devices.calls.Load())
}

func TestController_ToggleMuteWithoutStreamIsNoop(t *testing.T) {
	for _, mediaType := range []domain.MediaType{domain.MediaAudio, domain.MediaVideo} {
		t.Run(string(mediaType), func(t *testing.T) {
			h := newHarness(t, visitor, &fakeDevices{})
			require.NoError(t, h.ctrl.Start(session(domain.StatusLive, mediaType, domain.TierFree)))
			before := h.events.count(EventState)

			assert.False(t, h.ctrl.ToggleMute())
			assert.False(t, h.ctrl.ToggleCamera())
			assert.Equal(t, before, h.events.count(EventState))
			assert.Nil(t, h.ctrl.LocalStream())
		})
	}
}

func TestController_MuteRoundTrip(t *testing.T) {
	stream, track := micStream()
	h := newHarness(t, host, &fakeDevices{stream: stream})
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierFree)))

	require.Eventually(t, func() bool { return h.ctrl.LocalStream() == stream }, time.Second, time.Millisecond)
	assert.True(t, h.ctrl.ShowControls())
	assert.Equal(t, 1, h.audio.ActiveNodes(), "local participant is analysed")

	assert.True(t, h.ctrl.ToggleMute())
	assert.False(t, track.Enabled())
	assert.True(t, h.ctrl.Stage().Tiles[0].MutedIcon)

	assert.False(t, h.ctrl.ToggleMute())
	assert.True(t, track.Enabled())
	assert.Same(t, stream, h.ctrl.LocalStream(), "toggling never re-acquires")
}

func TestController_CloseReleasesEverything(t *testing.T) {
	stream, track := micStream()
	h := newHarness(t, host, &fakeDevices{stream: stream})
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierFree)))
	require.Eventually(t, func() bool { return h.ctrl.LocalStream() != nil }, time.Second, time.Millisecond)

	h.ctrl.Close()

	assert.True(t, track.Stopped())
	assert.Nil(t, h.ctrl.LocalStream())
	assert.False(t, h.ctrl.countdown.Running())
	assert.Equal(t, 0, h.audio.ActiveNodes())

	after := len(h.events.alerts()) + h.events.count(EventState)
	h.ctrl.ApplySession(session(domain.StatusEnded, domain.MediaAudio, domain.TierFree))
	assert.Equal(t, after, len(h.events.alerts())+h.events.count(EventState), "closed controllers are silent")
}

func TestController_VideoSessionsNeverAcquire(t *testing.T) {
	devices := &fakeDevices{}
	h := newHarness(t, host, devices)
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaVideo, domain.TierPremium)))

	assert.Equal(t, int32(0), devices.calls.Load())
	stage := h.ctrl.Stage()
	require.NotNil(t, stage.Video)
	assert.False(t, stage.ShowControls)
}

func TestController_ViewersNeverAcquire(t *testing.T) {
	devices := &fakeDevices{}
	h := newHarness(t, coHost, devices)
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierFree)))

	assert.Equal(t, int32(0), devices.calls.Load(), "co-hosts of free hosts cannot publish")
	assert.Contains(t, h.ctrl.Stage().Notes, "You are listening in.")
}

func TestController_RevokedEntitlementStopsStream(t *testing.T) {
	stream, track := micStream()
	h := newHarness(t, coHost, &fakeDevices{stream: stream})
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierPremium)))
	require.Eventually(t, func() bool { return h.ctrl.LocalStream() != nil }, time.Second, time.Millisecond)

	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaAudio, domain.TierFree))

	assert.True(t, track.Stopped())
	assert.Nil(t, h.ctrl.LocalStream())
	assert.Len(t, h.ctrl.Composition().Participants, 1)
	assert.Equal(t, 1800, h.ctrl.RemainingSeconds(), "unchanged status keeps the countdown")
}

func TestController_StaleAcquisitionIsStopped(t *testing.T) {
	stream, track := micStream()
	devices := &fakeDevices{stream: stream, release: make(chan struct{})}
	h := newHarness(t, coHost, devices)
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierPremium)))
	require.Eventually(t, func() bool { return devices.calls.Load() == 1 }, time.Second, time.Millisecond)

	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaVideo, domain.TierPremium))
	close(devices.release)

	assert.Eventually(t, track.Stopped, time.Second, time.Millisecond)
	assert.Nil(t, h.ctrl.LocalStream())
}

func TestController_StatusUpdateFailureKeepsState(t *testing.T) {
	h := newHarness(t, host, &fakeDevices{err: domain.ErrDeviceNotFound})
	require.NoError(t, h.ctrl.Start(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree)))

	h.sessions.On("UpdateSessionStatus", mock.Anything, domain.SessionID("s1"), domain.UserID("h"), domain.StatusLive).
		Return(nil, errors.New("store unavailable")).Once()
	h.sessions.On("UpdateSessionStatus", mock.Anything, domain.SessionID("s1"), domain.UserID("h"), domain.StatusLive).
		Return(nil, nil).Once()

	_, err := h.ctrl.RequestStatus(context.Background(), domain.StatusLive)
	assert.ErrorIs(t, err, domain.ErrStatusUpdateFailed)
	_, err = h.ctrl.RequestStatus(context.Background(), domain.StatusLive)
	assert.ErrorIs(t, err, domain.ErrStatusUpdateFailed)

	assert.Equal(t, domain.StatusUpcoming, h.ctrl.Session().Status)
	assert.Equal(t, 0, h.ctrl.RemainingSeconds())
	assert.Equal(t, []string{AlertStatusUpdate, AlertStatusUpdate}, h.events.alerts())
}

func TestController_RequestStatusRejectsLocally(t *testing.T) {
	h := newHarness(t, visitor, &fakeDevices{})
	require.NoError(t, h.ctrl.Start(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree)))

	_, err := h.ctrl.RequestStatus(context.Background(), domain.StatusLive)
	assert.ErrorIs(t, err, domain.ErrNotHost)

	hostView := newHarness(t, host, &fakeDevices{})
	require.NoError(t, hostView.ctrl.Start(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree)))
	_, err = hostView.ctrl.RequestStatus(context.Background(), domain.StatusEnded)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.sessions.AssertNotCalled(t, "UpdateSessionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	hostView.sessions.AssertNotCalled(t, "UpdateSessionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_ExpiryEndsSession(t *testing.T) {
	h := newHarness(t, host, &fakeDevices{err: domain.ErrDeviceNotFound})
	live := session(domain.StatusLive, domain.MediaVideo, domain.TierFree)
	live.TimeLimitMinutes = 1
	ended := live.Clone()
	ended.Status = domain.StatusEnded
	var persisted atomic.Bool
	h.sessions.On("UpdateSessionStatus", mock.Anything, domain.SessionID("s1"), domain.UserID("h"), domain.StatusEnded).
		Run(func(mock.Arguments) { persisted.Store(true) }).
		Return(ended, nil).Once()

	require.NoError(t, h.ctrl.Start(live))
	assert.Equal(t, 60, h.ctrl.RemainingSeconds())

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return h.events.count(EventCountdownExpired) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, domain.StatusEnded, h.ctrl.Session().Status)
	assert.Eventually(t, persisted.Load, time.Second, time.Millisecond)
	assert.Empty(t, h.ctrl.Stage().Timer)
}

func TestController_ExpiryOnViewerVisitIsLocal(t *testing.T) {
	h := newHarness(t, visitor, &fakeDevices{})
	live := session(domain.StatusLive, domain.MediaVideo, domain.TierFree)
	live.TimeLimitMinutes = 1
	require.NoError(t, h.ctrl.Start(live))

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return h.ctrl.Session().Status == domain.StatusEnded
	}, 5*time.Second, time.Millisecond)

	h.sessions.AssertNotCalled(t, "UpdateSessionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_ExpiryAlreadyEndedElsewhereRaisesNoAlert(t *testing.T) {
	h := newHarness(t, host, &fakeDevices{err: domain.ErrDeviceNotFound})
	live := session(domain.StatusLive, domain.MediaVideo, domain.TierFree)
	live.TimeLimitMinutes = 1
	var persisted atomic.Bool
	h.sessions.On("UpdateSessionStatus", mock.Anything, domain.SessionID("s1"), domain.UserID("h"), domain.StatusEnded).
		Run(func(mock.Arguments) { persisted.Store(true) }).
		Return(nil, domain.ErrInvalidTransition).Once()

	require.NoError(t, h.ctrl.Start(live))
	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return h.events.count(EventCountdownExpired) == 1
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, persisted.Load, time.Second, time.Millisecond)

	assert.Never(t, func() bool { return len(h.events.alerts()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.StatusEnded, h.ctrl.Session().Status)
}

func TestController_DeviceFailureIsNotRetried(t *testing.T) {
	devices := &fakeDevices{err: domain.ErrPermissionDenied}
	h := newHarness(t, host, devices)
	require.NoError(t, h.ctrl.Start(session(domain.StatusUpcoming, domain.MediaAudio, domain.TierFree)))
	require.Eventually(t, func() bool { return len(h.events.alerts()) == 1 }, time.Second, time.Millisecond)

	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaAudio, domain.TierFree))
	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaAudio, domain.TierPremium))

	assert.Never(t, func() bool { return devices.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{AlertDeviceAccess}, h.events.alerts())
	assert.Equal(t, 1800, h.ctrl.RemainingSeconds(), "the room keeps running without a microphone")

	// streaming becomes allowed again only after it was forbidden
	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaVideo, domain.TierFree))
	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaAudio, domain.TierFree))
	assert.Eventually(t, func() bool { return devices.calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestController_EndedIsTerminal(t *testing.T) {
	h := newHarness(t, visitor, &fakeDevices{})
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaVideo, domain.TierFree)))

	h.ctrl.ApplySession(session(domain.StatusEnded, domain.MediaVideo, domain.TierFree))
	require.False(t, h.ctrl.countdown.Running())

	stale := session(domain.StatusLive, domain.MediaVideo, domain.TierPremium)
	stale.Title = "Renamed"
	h.ctrl.ApplySession(stale)

	got := h.ctrl.Session()
	assert.Equal(t, domain.StatusEnded, got.Status)
	assert.Equal(t, "Renamed", got.Title, "other fields are still mirrored")
	assert.False(t, h.ctrl.countdown.Running())
	assert.Empty(t, h.ctrl.Stage().Timer)
	assert.Equal(t, 1, h.events.count(EventStatus))

	h.ctrl.ApplySession(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree))
	assert.Equal(t, domain.StatusEnded, h.ctrl.Session().Status)
}

func TestController_LiveIsNotReverted(t *testing.T) {
	h := newHarness(t, visitor, &fakeDevices{})
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaVideo, domain.TierFree)))

	h.ctrl.ApplySession(session(domain.StatusUpcoming, domain.MediaVideo, domain.TierFree))

	assert.Equal(t, domain.StatusLive, h.ctrl.Session().Status)
	assert.True(t, h.ctrl.countdown.Running())
	assert.Equal(t, 0, h.events.count(EventStatus))
}

func TestController_EndedSourceReleasesLocalStream(t *testing.T) {
	stream, track := micStream()
	devices := &fakeDevices{stream: stream}
	h := newHarness(t, host, devices)
	require.NoError(t, h.ctrl.Start(session(domain.StatusLive, domain.MediaAudio, domain.TierFree)))
	require.Eventually(t, func() bool { return h.ctrl.LocalStream() == stream }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.audio.ActiveNodes())

	track.WriteSample(media.Sample{Level: 20, HasLevel: true})
	track.Stop()

	assert.Eventually(t, func() bool { return h.ctrl.LocalStream() == nil }, time.Second, time.Millisecond)
	assert.False(t, h.ctrl.ShowControls())
	assert.False(t, h.ctrl.Stage().ShowControls)
	assert.Equal(t, 0, h.audio.ActiveNodes())
	assert.False(t, h.ctrl.Stage().Tiles[0].PulseRing)

	h.ctrl.ApplySession(session(domain.StatusLive, domain.MediaAudio, domain.TierFree))
	assert.Equal(t, int32(1), devices.calls.Load(), "a dead source is not reopened")
}
