package media

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// SilentLevel is the RFC 6464 level for digital silence (-127 dBov).
const SilentLevel uint8 = 127

// Sample is one chunk of audio delivered by a track. A source either carries
// raw PCM in [-1, 1] or only an RFC 6464 audio level, as RTP senders do.
type Sample struct {
	PCM       []float32
	Level     uint8
	HasLevel  bool
	Timestamp time.Time
}

// Sink receives samples from a track. Implementations must not block.
type Sink interface {
	WriteSample(Sample)
}

type SinkFunc func(Sample)

func (f SinkFunc) WriteSample(s Sample) { f(s) }

// Track is one media track of a Stream.
type Track struct {
	id   string
	kind Kind

	mu       sync.RWMutex
	enabled  bool
	stopped  bool
	sinks    map[int]Sink
	nextSink int
	onStop   []func()
}

func NewTrack(kind Kind) *Track {
	return &Track{
		id:      uuid.New().String(),
		kind:    kind,
		enabled: true,
		sinks:   make(map[int]Sink),
	}
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() Kind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

// OnStop registers fn to run once when the track is stopped. If the track is
// already stopped fn runs immediately.
func (t *Track) OnStop(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		fn()
		return
	}
	t.onStop = append(t.onStop, fn)
	t.mu.Unlock()
}

// Stop ends the track and releases its source. Safe to call repeatedly.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	hooks := t.onStop
	t.onStop = nil
	t.sinks = make(map[int]Sink)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Attach subscribes s to the track's samples and returns a detach func.
func (t *Track) Attach(s Sink) (detach func()) {
	t.mu.Lock()
	id := t.nextSink
	t.nextSink++
	if !t.stopped {
		t.sinks[id] = s
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.sinks, id)
			t.mu.Unlock()
		})
	}
}

// SinkCount returns the number of attached sinks.
func (t *Track) SinkCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}

// WriteSample fans s out to every sink. A disabled track delivers silence.
func (t *Track) WriteSample(s Sample) {
	t.mu.RLock()
	if t.stopped || len(t.sinks) == 0 {
		t.mu.RUnlock()
		return
	}
	enabled := t.enabled
	sinks := make([]Sink, 0, len(t.sinks))
	for _, sink := range t.sinks {
		sinks = append(sinks, sink)
	}
	t.mu.RUnlock()

	if !enabled {
		s = silence(s)
	}
	for _, sink := range sinks {
		sink.WriteSample(s)
	}
}

func silence(s Sample) Sample {
	out := Sample{Timestamp: s.Timestamp}
	if s.PCM != nil {
		out.PCM = make([]float32, len(s.PCM))
	}
	if s.HasLevel || s.PCM == nil {
		out.Level = SilentLevel
		out.HasLevel = true
	}
	return out
}

// Stream groups the tracks captured from one source.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{
		id:     uuid.New().String(),
		tracks: append([]*Track(nil), tracks...),
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }

func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled flips every track of kind and reports how many were touched.
func (s *Stream) SetEnabled(kind Kind, enabled bool) int {
	tracks := s.byKind(kind)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return len(tracks)
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Active reports whether any track is still running.
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}
