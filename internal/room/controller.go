package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/internal/core/services"
	"amalive/internal/media"
	"amalive/internal/render"
	"amalive/internal/speaker"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	AlertDeviceAccess = "Could not access microphone. Please check permissions and try again."
	AlertStatusUpdate = "Could not update AMA status."
)

type EventType string

const (
	EventState            EventType = "state"
	EventStatus           EventType = "status"
	EventCountdown        EventType = "countdown"
	EventCountdownExpired EventType = "countdown_expired"
	EventSpeaking         EventType = "speaking"
	EventAlert            EventType = "alert"
)

// Event is pushed to the visiting client.
type Event struct {
	Type      EventType            `json:"type"`
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	Remaining int                  `json:"remaining,omitempty"`
	Timer     string               `json:"timer,omitempty"`
	UserID    domain.UserID        `json:"user_id,omitempty"`
	Speaking  bool                 `json:"speaking,omitempty"`
	Alert     string               `json:"alert,omitempty"`
	Stage     *render.Stage        `json:"stage,omitempty"`
}

// EventSink receives controller events. It may be called with internal
// locks held, from several goroutines, and must never block.
type EventSink func(Event)

// Metrics observes room visits. A nil Metrics is allowed.
type Metrics interface {
	VisitStarted(mediaType domain.MediaType)
	VisitEnded(mediaType domain.MediaType)
	PublisherStarted()
	PublisherStopped()
	SpeakingChanged(speaking bool)
	DeviceFailed(reason string)
	CountdownExpired()
}

type Config struct {
	AutoEndOnExpiry bool
	// MultiPartyVideo renders video sessions as participant tiles instead of embeds.
	MultiPartyVideo bool
	AcquireTimeout  time.Duration
	Detector        speaker.Config
}

func DefaultConfig() Config {
	return Config{
		AutoEndOnExpiry: true,
		AcquireTimeout:  30 * time.Second,
		Detector:        speaker.DefaultConfig(),
	}
}

// Params are the collaborators of a Controller.
type Params struct {
	Viewer   domain.User
	Sessions ports.SessionService
	Devices  ports.MediaDevices
	Audio    *speaker.Context
	Clock    clock.Clock
	Sink     EventSink
	Metrics  Metrics
	Logger   *zap.SugaredLogger
}

// Controller runs one user's visit to one session: it mirrors the session
// status, owns the visit's local audio stream, runs the countdown and keeps
// one participant view per composed participant.
type Controller struct {
	cfg      Config
	viewer   domain.User
	sessions ports.SessionService
	devices  ports.MediaDevices
	audio    *speaker.Context
	sink     EventSink
	metrics  Metrics
	logger   *zap.SugaredLogger

	countdown *Countdown
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sessionID domain.SessionID
	done      atomic.Bool

	mu         sync.Mutex
	started    bool
	closed     bool
	session    *domain.Session
	comp       services.Composition
	views      []*render.ParticipantView
	local      *media.Stream
	muted      bool
	cameraOff  bool
	acquireGen uint64
	acquiring  bool
	// set after a failed acquisition or a dead local source; cleared once
	// publishing audio is no longer allowed
	deviceFailed bool
	stopFetch    context.CancelFunc
}

func NewController(cfg Config, p Params) *Controller {
	if p.Logger == nil {
		p.Logger = zap.NewNop().Sugar()
	}
	if p.Sink == nil {
		p.Sink = func(Event) {}
	}
	if p.Metrics == nil {
		p.Metrics = nopMetrics{}
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		viewer:   p.Viewer,
		sessions: p.Sessions,
		devices:  p.Devices,
		audio:    p.Audio,
		sink:     p.Sink,
		metrics:  p.Metrics,
		logger:   p.Logger.With("user_id", p.Viewer.ID),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	c.countdown = NewCountdown(p.Clock, c.onCountdownTick, c.onCountdownExpired)
	return c
}

// Start enters the room. It does not block on device acquisition.
func (c *Controller) Start(session *domain.Session) error {
	if session == nil {
		return domain.ErrSessionNotFound
	}

	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.sessionID = session.ID
	c.session = session.Clone()
	c.logger = c.logger.With("session_id", session.ID)
	c.reconcileLocked()
	live := c.session.Status == domain.StatusLive
	limit := c.session.TimeLimitMinutes
	mediaType := c.session.MediaType
	c.emitStateLocked()
	c.mu.Unlock()

	c.metrics.VisitStarted(mediaType)
	if live {
		c.countdown.Start(limit * 60)
	}
	c.logger.Infow("Room visit started", "status", session.Status, "media_type", mediaType)
	return nil
}

// RequestStatus asks the session service to move the session to status.
// Nothing changes locally unless the update succeeds.
func (c *Controller) RequestStatus(ctx context.Context, status domain.SessionStatus) (*domain.Session, error) {
	c.mu.Lock()
	if c.session == nil || c.closed {
		c.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	id := c.session.ID
	if !services.IsHost(c.viewer.ID, c.session) {
		c.mu.Unlock()
		return nil, domain.ErrNotHost
	}
	if !c.session.Status.CanTransitionTo(status) {
		from := c.session.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, status)
	}
	c.mu.Unlock()

	updated, err := c.sessions.UpdateSessionStatus(ctx, id, c.viewer.ID, status)
	if err != nil || updated == nil {
		c.logger.Warnw("Status update failed", "status", status, "error", err)
		c.alert(AlertStatusUpdate)
		if err == nil {
			return nil, domain.ErrStatusUpdateFailed
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStatusUpdateFailed, err)
	}

	c.ApplySession(updated)
	return updated, nil
}

// ApplySession mirrors an externally changed session. Every status change
// resets the countdown. The mirrored status only moves forward, so a stale
// update never reopens an ended session; its other fields still apply.
func (c *Controller) ApplySession(session *domain.Session) {
	if session == nil {
		return
	}

	c.mu.Lock()
	if c.closed || c.session == nil || c.session.ID != session.ID {
		c.mu.Unlock()
		return
	}
	prev := c.session.Status
	next := session.Clone()
	if statusOrder(next.Status) < statusOrder(prev) {
		c.logger.Debugw("Ignoring stale status", "current", prev, "received", next.Status)
		next.Status = prev
	}
	c.session = next
	c.reconcileLocked()
	changed := prev != c.session.Status
	status := c.session.Status
	limit := c.session.TimeLimitMinutes
	if changed {
		c.emit(Event{Type: EventStatus, Status: status})
	}
	c.mu.Unlock()

	if changed {
		if status == domain.StatusLive {
			c.countdown.Start(limit * 60)
		} else {
			c.countdown.Stop()
		}
		c.logger.Infow("Session status changed", "from", prev, "to", status)
	}

	c.mu.Lock()
	c.emitStateLocked()
	c.mu.Unlock()
}

// ToggleMute flips every local audio track and reports the new muted state.
// Without a local stream it does nothing.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == nil {
		return c.muted
	}
	for _, t := range c.local.AudioTracks() {
		t.SetEnabled(!t.Enabled())
	}
	c.muted = !c.muted
	if c.session.MediaType == domain.MediaAudio {
		c.setLocalMutedLocked(c.muted)
	}
	c.emitStateLocked()
	return c.muted
}

// ToggleCamera flips every local video track in video sessions.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == nil || c.session.MediaType != domain.MediaVideo {
		return c.cameraOff
	}
	for _, t := range c.local.VideoTracks() {
		t.SetEnabled(!t.Enabled())
	}
	c.cameraOff = !c.cameraOff
	c.setLocalMutedLocked(c.cameraOff)
	c.emitStateLocked()
	return c.cameraOff
}

func (c *Controller) RemainingSeconds() int {
	return c.countdown.Remaining()
}

func (c *Controller) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Clone()
}

func (c *Controller) Composition() services.Composition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.comp
}

// LocalStream returns the owned local stream, or nil.
func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// ShowControls reports whether mute and camera controls are offered.
func (c *Controller) ShowControls() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.comp.CanPublish && c.local != nil
}

func (c *Controller) Stage() render.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageLocked()
}

// Close leaves the room: local tracks are stopped, the countdown and every
// detector are cancelled before Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.done.Store(true)
	c.cancel()
	c.cancelAcquireLocked()
	c.releaseLocalLocked()
	views := c.views
	c.views = nil
	var mediaType domain.MediaType
	if c.session != nil {
		mediaType = c.session.MediaType
	}
	started := c.started
	c.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	c.countdown.Stop()
	c.wg.Wait()

	if started {
		c.metrics.VisitEnded(mediaType)
		c.logger.Infow("Room visit ended")
	}
}

// reconcileLocked recomputes the composition, rebuilds participant views
// when the roster changed and applies the media acquisition policy.
func (c *Controller) reconcileLocked() {
	prev := c.comp
	c.comp = services.Compose(c.session, c.viewer.ID)

	if !sameRoster(prev, c.comp) {
		for _, v := range c.views {
			v.Close()
		}
		c.views = make([]*render.ParticipantView, 0, len(c.comp.Participants))
		for _, p := range c.comp.Participants {
			c.views = append(c.views, render.NewParticipantView(
				p, c.comp.MediaType, c.audio, c.cfg.Detector, c.logger, c.onSpeaking,
			))
		}
	}

	if c.comp.ShouldAcquireAudio {
		if c.local == nil && !c.acquiring && !c.deviceFailed {
			c.startAcquireLocked()
		}
	} else {
		c.cancelAcquireLocked()
		c.releaseLocalLocked()
		c.deviceFailed = false
	}
	c.bindLocalLocked()
}

func (c *Controller) startAcquireLocked() {
	if c.devices == nil {
		return
	}
	c.acquireGen++
	gen := c.acquireGen
	c.acquiring = true
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.AcquireTimeout)
	c.stopFetch = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		stream, err := c.devices.GetLocalAudioStream(ctx)
		c.finishAcquire(gen, stream, err)
	}()
}

func (c *Controller) finishAcquire(gen uint64, stream *media.Stream, err error) {
	c.mu.Lock()
	if gen != c.acquireGen || c.closed || !c.comp.ShouldAcquireAudio {
		c.mu.Unlock()
		// Stale result: the visit moved on while the device was opening.
		if stream != nil {
			stream.Stop()
		}
		return
	}
	c.acquiring = false
	c.stopFetch = nil

	if err == nil && stream == nil {
		err = domain.ErrDeviceNotFound
	}
	if err != nil {
		c.deviceFailed = true
		c.mu.Unlock()
		reason := deviceFailureReason(err)
		c.metrics.DeviceFailed(reason)
		c.logger.Warnw("Could not acquire local audio", "reason", reason, "error", err)
		c.alert(AlertDeviceAccess)
		return
	}

	c.local = stream
	c.muted = false
	c.cameraOff = false
	c.watchLocalLocked(stream)
	c.bindLocalLocked()
	c.emitStateLocked()
	c.mu.Unlock()

	c.metrics.PublisherStarted()
	c.logger.Infow("Local audio acquired", "stream_id", stream.ID())
}

// watchLocalLocked releases the local stream when its source ends on its
// own, e.g. the peer connection behind it failed.
func (c *Controller) watchLocalLocked(stream *media.Stream) {
	ended := make(chan struct{})
	var once sync.Once
	for _, t := range stream.AudioTracks() {
		t.OnStop(func() { once.Do(func() { close(ended) }) })
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ended:
			c.localEnded(stream)
		case <-c.baseCtx.Done():
		}
	}()
}

func (c *Controller) localEnded(stream *media.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.local != stream {
		return
	}
	c.logger.Warnw("Local audio source ended", "stream_id", stream.ID())
	c.releaseLocalLocked()
	c.deviceFailed = true
	c.bindLocalLocked()
	c.emitStateLocked()
}

func (c *Controller) cancelAcquireLocked() {
	if !c.acquiring {
		return
	}
	c.acquireGen++
	c.acquiring = false
	if c.stopFetch != nil {
		c.stopFetch()
		c.stopFetch = nil
	}
}

func (c *Controller) releaseLocalLocked() {
	if c.local == nil {
		return
	}
	c.local.Stop()
	c.local = nil
	c.muted = false
	c.cameraOff = false
	c.metrics.PublisherStopped()
	c.logger.Infow("Local audio released")
}

// bindLocalLocked binds the local stream to the local participant's view.
// Remote participants have no transport and stay unbound.
func (c *Controller) bindLocalLocked() {
	for _, v := range c.views {
		if v.Participant().IsLocal {
			v.Bind(c.local)
		} else {
			v.Bind(nil)
		}
	}
}

func (c *Controller) setLocalMutedLocked(muted bool) {
	for _, v := range c.views {
		if v.Participant().IsLocal {
			v.SetMuted(muted)
		}
	}
}

func (c *Controller) onSpeaking(userID domain.UserID, speaking bool) {
	c.metrics.SpeakingChanged(speaking)
	c.emit(Event{Type: EventSpeaking, UserID: userID, Speaking: speaking})
}

func (c *Controller) onCountdownTick(remaining int) {
	c.emit(Event{Type: EventCountdown, Remaining: remaining, Timer: render.FormatClock(remaining)})
}

// onCountdownExpired ends the session locally. The host's own visit also
// persists the end when AutoEndOnExpiry is set.
func (c *Controller) onCountdownExpired() {
	c.mu.Lock()
	if c.closed || c.session == nil || c.session.Status != domain.StatusLive {
		c.mu.Unlock()
		return
	}
	ended := c.session.Clone()
	ended.Status = domain.StatusEnded
	c.session = ended
	c.reconcileLocked()
	c.emit(Event{Type: EventCountdownExpired, Status: domain.StatusEnded})
	c.emit(Event{Type: EventStatus, Status: domain.StatusEnded})
	c.emitStateLocked()

	persist := c.cfg.AutoEndOnExpiry && services.IsHost(c.viewer.ID, ended) && c.sessions != nil
	if persist {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.metrics.CountdownExpired()
	c.logger.Infow("Countdown expired", "persist", persist)
	if !persist {
		return
	}

	defer c.wg.Done()
	if _, err := c.sessions.UpdateSessionStatus(c.baseCtx, ended.ID, c.viewer.ID, domain.StatusEnded); err != nil {
		// Another visit of the host may have ended it first.
		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrInvalidTransition) {
			return
		}
		c.logger.Warnw("Failed to persist session end", "error", err)
		c.alert(AlertStatusUpdate)
	}
}

func (c *Controller) alert(message string) {
	c.emit(Event{Type: EventAlert, Alert: message})
}

// emit never takes the controller lock: detectors report speaking changes
// while the controller may be closing their views.
func (c *Controller) emit(e Event) {
	if c.done.Load() {
		return
	}
	e.SessionID = c.sessionID
	c.sink(e)
}

func (c *Controller) emitStateLocked() {
	stage := c.stageLocked()
	c.emit(Event{Type: EventState, Status: stage.Status, Stage: &stage})
}

func (c *Controller) stageLocked() render.Stage {
	tiles := make([]render.Tile, 0, len(c.views))
	for _, v := range c.views {
		tiles = append(tiles, v.Tile())
	}
	return render.BuildStage(render.StageInput{
		Session:          c.session,
		Viewer:           c.viewer.ID,
		Composition:      c.comp,
		Tiles:            tiles,
		RemainingSeconds: c.countdown.Remaining(),
		HasLocalStream:   c.local != nil,
		Muted:            c.muted,
		CameraOff:        c.cameraOff,
		MultiParty:       c.cfg.MultiPartyVideo,
	})
}

func statusOrder(s domain.SessionStatus) int {
	switch s {
	case domain.StatusLive:
		return 1
	case domain.StatusEnded:
		return 2
	}
	return 0
}

func sameRoster(a, b services.Composition) bool {
	if a.MediaType != b.MediaType || len(a.Participants) != len(b.Participants) {
		return false
	}
	for i := range a.Participants {
		if a.Participants[i].User != b.Participants[i].User || a.Participants[i].IsLocal != b.Participants[i].IsLocal {
			return false
		}
	}
	return true
}

func deviceFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDeviceTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
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
