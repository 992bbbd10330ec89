package render

import (
	"sync"

	"amalive/internal/core/domain"
	"amalive/internal/media"
	"amalive/internal/speaker"

	"go.uber.org/zap"
)

// ParticipantView renders one composed participant and runs its own
// active-speaker detector against whatever stream is bound to it.
type ParticipantView struct {
	participant domain.Participant
	variant     Variant
	detector    *speaker.Detector

	mu     sync.Mutex
	stream *media.Stream
	muted  bool
	closed bool
}

// NewParticipantView creates a view. onSpeaking is called from the detector
// goroutine on every speaking transition and must not block.
func NewParticipantView(
	p domain.Participant,
	mediaType domain.MediaType,
	audio *speaker.Context,
	cfg speaker.Config,
	logger *zap.SugaredLogger,
	onSpeaking func(domain.UserID, bool),
) *ParticipantView {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	v := &ParticipantView{
		participant: p,
		variant:     VariantFor(mediaType),
	}
	v.detector = speaker.NewDetector(audio, cfg, logger.With("user_id", p.User.ID), func(speaking bool) {
		if onSpeaking != nil {
			onSpeaking(p.User.ID, speaking)
		}
	})
	return v
}

func (v *ParticipantView) Participant() domain.Participant {
	return v.participant
}

// Bind attaches stream to the view. Remote participants are bound to nil.
func (v *ParticipantView) Bind(stream *media.Stream) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.stream = stream
	v.mu.Unlock()

	v.detector.SetStream(stream)
}

func (v *ParticipantView) SetMuted(muted bool) {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
}

func (v *ParticipantView) Speaking() bool {
	return v.detector.IsSpeaking()
}

func (v *ParticipantView) Tile() Tile {
	v.mu.Lock()
	st := TileState{
		Participant: v.participant,
		Variant:     v.variant,
		Muted:       v.muted,
	}
	if v.stream != nil {
		st.StreamID = v.stream.ID()
	}
	v.mu.Unlock()

	st.Speaking = v.detector.IsSpeaking()
	return BuildTile(st)
}

// Close stops the detector loop and any pending silence timer before returning.
func (v *ParticipantView) Close() {
	v.mu.Lock()
	v.closed = true
	v.stream = nil
	v.mu.Unlock()

	v.detector.Close()
}
