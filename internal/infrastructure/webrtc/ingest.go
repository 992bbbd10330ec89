package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/media"
	"amalive/pkg/optimize"
	"amalive/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// audioLevelURI is the RFC 6464 client-to-mixer audio level header extension.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var errNoAnswerPending = errors.New("no offer awaiting an answer")

// rtpBuffers holds one receive MTU buffer per live microphone track.
var rtpBuffers = optimize.NewBytePool(1500)

// Config configures the peer connections of an AudioIngest.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Signaler carries the server side of the negotiation to the browser.
type Signaler interface {
	SendOffer(ctx context.Context, offer webrtc.SessionDescription) error
	SendCandidate(candidate webrtc.ICECandidateInit) error
}

// Metrics receives ingest statistics. A nil Metrics is allowed.
type Metrics interface {
	RecordIngest(m domain.IngestMetrics)
	RecordIngestSetup(d time.Duration)
}

// AudioIngest receives one visitor's microphone over WebRTC and exposes it
// as a media.Stream. It implements ports.MediaDevices. The browser answers
// the offer sent through the Signaler; getUserMedia failures come back via
// ReportDeviceError.
type AudioIngest struct {
	cfg       Config
	api       *webrtc.API
	signaler  Signaler
	metrics   Metrics
	logger    *zap.SugaredLogger
	sessionID domain.SessionID
	userID    domain.UserID

	mu      sync.Mutex
	pending *negotiation
	closed  bool
	live    map[*webrtc.PeerConnection]struct{}
}

// negotiation is one offer waiting for its answer and first track.
type negotiation struct {
	pc         *webrtc.PeerConnection
	answered   bool
	candidates []webrtc.ICECandidateInit
	deviceErr  chan error
	tracks     chan trackArrival
	failed     chan struct{}
	failOnce   sync.Once
}

type trackArrival struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func NewAudioIngest(cfg Config, signaler Signaler, metrics Metrics, logger *zap.SugaredLogger, sessionID domain.SessionID, userID domain.UserID) (*AudioIngest, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &AudioIngest{
		cfg:       cfg,
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		signaler:  signaler,
		metrics:   metrics,
		logger:    logger,
		sessionID: sessionID,
		userID:    userID,
		live:      make(map[*webrtc.PeerConnection]struct{}),
	}, nil
}

// GetLocalAudioStream offers a receive-only audio transceiver to the browser
// and returns once its microphone track arrives.
func (a *AudioIngest) GetLocalAudioStream(ctx context.Context) (*media.Stream, error) {
	ctx, span := tracing.MicrophoneAcquire(ctx, string(a.sessionID), string(a.userID))
	defer span.End()
	start := time.Now()

	n, err := a.negotiate(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	select {
	case arrival := <-n.tracks:
		a.clearPending(n)
		if a.metrics != nil {
			a.metrics.RecordIngestSetup(time.Since(start))
		}
		stream := a.startStream(n.pc, arrival)
		tracing.Annotate(ctx, tracing.StreamIDKey.String(stream.ID()))
		return stream, nil

	case err := <-n.deviceErr:
		a.abandon(n)
		tracing.RecordError(ctx, err)
		return nil, err

	case <-n.failed:
		a.abandon(n)
		err := errors.New("microphone connection failed")
		tracing.RecordError(ctx, err)
		return nil, err

	case <-ctx.Done():
		a.abandon(n)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (a *AudioIngest) negotiate(ctx context.Context) (*negotiation, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("ingest closed")
	}
	a.mu.Unlock()

	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	n := &negotiation{
		pc:        pc,
		deviceErr: make(chan error, 1),
		tracks:    make(chan trackArrival, 1),
		failed:    make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := a.signaler.SendCandidate(c.ToJSON()); err != nil {
			a.logger.Debugw("failed to send ICE candidate", "session_id", a.sessionID, "error", err)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		select {
		case n.tracks <- trackArrival{track: track, receiver: receiver}:
		default:
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Debugw("ingest connection state changed",
			"session_id", a.sessionID,
			"user_id", a.userID,
			"state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed {
			n.failOnce.Do(func() { close(n.failed) })
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	a.mu.Lock()
	if a.pending != nil {
		a.pending.pc.Close()
	}
	a.pending = n
	a.mu.Unlock()

	if err := a.signaler.SendOffer(ctx, *pc.LocalDescription()); err != nil {
		a.abandon(n)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	return n, nil
}

func (a *AudioIngest) clearPending(n *negotiation) {
	a.mu.Lock()
	if a.pending == n {
		a.pending = nil
	}
	a.mu.Unlock()
}

func (a *AudioIngest) abandon(n *negotiation) {
	a.clearPending(n)
	n.pc.Close()
}

// HandleAnswer applies the browser's answer to the outstanding offer.
func (a *AudioIngest) HandleAnswer(answer webrtc.SessionDescription) error {
	a.mu.Lock()
	n := a.pending
	if n == nil || n.answered {
		a.mu.Unlock()
		return errNoAnswerPending
	}
	n.answered = true
	queued := n.candidates
	n.candidates = nil
	a.mu.Unlock()

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			a.logger.Debugw("failed to add queued ICE candidate", "session_id", a.sessionID, "error", err)
		}
	}
	return nil
}

// AddICECandidate adds a browser candidate, queueing it until the answer is applied.
func (a *AudioIngest) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	a.mu.Lock()
	n := a.pending
	if n == nil {
		a.mu.Unlock()
		return errNoAnswerPending
	}
	if !n.answered {
		n.candidates = append(n.candidates, candidate)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return n.pc.AddICECandidate(candidate)
}

// ReportDeviceError fails the outstanding acquisition with the browser's
// getUserMedia error, identified by its DOMException name.
func (a *AudioIngest) ReportDeviceError(name, message string) {
	err := DeviceError(name, message)

	a.mu.Lock()
	n := a.pending
	a.mu.Unlock()
	if n == nil {
		a.logger.Debugw("device error without pending acquisition", "session_id", a.sessionID, "error", err)
		return
	}
	select {
	case n.deviceErr <- err:
	default:
	}
}

// DeviceError maps a getUserMedia DOMException name onto the domain errors.
func DeviceError(name, message string) error {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, message)
	case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError":
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, message)
	}
	return fmt.Errorf("device error %s: %s", name, message)
}

// startStream wraps the remote track in a media.Stream. Stopping the stream
// closes the peer connection.
func (a *AudioIngest) startStream(pc *webrtc.PeerConnection, arrival trackArrival) *media.Stream {
	track := media.NewTrack(media.KindAudio)
	stream := media.NewStream(track)

	a.mu.Lock()
	a.live[pc] = struct{}{}
	a.mu.Unlock()

	stats := newRTPStats(arrival.track.Codec().ClockRate)
	levelID := audioLevelExtensionID(arrival.receiver)
	a.checkLevelExtension(levelID)
	done := make(chan struct{})

	track.OnStop(func() {
		pc.Close()
		a.mu.Lock()
		delete(a.live, pc)
		a.mu.Unlock()
	})

	go func() {
		defer close(done)
		a.readRTP(arrival.track, track, stats, levelID)
	}()
	go a.drainRTCP(arrival.receiver, track)
	go func() {
		<-done
		track.Stop()
		if a.metrics != nil {
			a.metrics.RecordIngest(domain.IngestMetrics{
				SessionID:   a.sessionID,
				UserID:      a.userID,
				Timestamp:   time.Now(),
				PacketsRead: stats.received,
				BytesRead:   stats.bytes,
				PacketLoss:  stats.lossFraction(),
				Jitter:      stats.jitterDuration(),
				LastLevel:   stats.lastLevel,
			})
		}
		a.logger.Infow("microphone ingest finished",
			"session_id", a.sessionID,
			"user_id", a.userID,
			"packets", stats.received,
			"packet_loss", stats.lossFraction(),
			"jitter", stats.jitterDuration(),
		)
	}()

	a.logger.Infow("microphone ingest started",
		"session_id", a.sessionID,
		"user_id", a.userID,
		"codec", arrival.track.Codec().MimeType,
		"audio_level_ext", levelID != 0,
	)
	return stream
}

// checkLevelExtension warns when the browser did not negotiate audio
// levels: the track then carries no samples and never reads as speaking.
func (a *AudioIngest) checkLevelExtension(levelID uint8) bool {
	if levelID != 0 {
		return true
	}
	a.logger.Warnw("audio level extension not negotiated, speaker detection disabled",
		"session_id", a.sessionID,
		"user_id", a.userID,
		"extension", audioLevelURI,
	)
	return false
}

func audioLevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// audioLevel extracts the RFC 6464 level from pkt when the extension is present.
func audioLevel(pkt *rtp.Packet, extID uint8) (uint8, bool) {
	if extID == 0 {
		return 0, false
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return ext.Level, true
}

func (a *AudioIngest) readRTP(remote *webrtc.TrackRemote, track *media.Track, stats *rtpStats, levelID uint8) {
	buf := rtpBuffers.Get()
	defer rtpBuffers.Put(buf)

	pkt := &rtp.Packet{}
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		now := time.Now()
		stats.update(pkt, now)

		level, ok := audioLevel(pkt, levelID)
		if !ok {
			continue
		}
		stats.lastLevel = level
		track.WriteSample(media.Sample{Level: level, HasLevel: true, Timestamp: now})
	}
}

// drainRTCP reads sender RTCP so the receiver keeps flowing. A BYE from the
// browser means the microphone was released and ends the track.
func (a *AudioIngest) drainRTCP(receiver *webrtc.RTPReceiver, track *media.Track) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch pkt := p.(type) {
			case *rtcp.SenderReport:
				a.logger.Debugw("microphone sender report",
					"session_id", a.sessionID,
					"user_id", a.userID,
					"packet_count", pkt.PacketCount,
					"octet_count", pkt.OctetCount,
				)
			case *rtcp.Goodbye:
				a.logger.Infow("microphone released by client", "session_id", a.sessionID, "user_id", a.userID)
				track.Stop()
				return
			}
		}
	}
}

// Close fails any pending acquisition and closes every live connection.
func (a *AudioIngest) Close() error {
	a.mu.Lock()
	a.closed = true
	pending := a.pending
	a.pending = nil
	live := make([]*webrtc.PeerConnection, 0, len(a.live))
	for pc := range a.live {
		live = append(live, pc)
	}
	a.mu.Unlock()

	if pending != nil {
		pending.pc.Close()
		pending.failOnce.Do(func() { close(pending.failed) })
	}
	for _, pc := range live {
		pc.Close()
	}
	return nil
}
