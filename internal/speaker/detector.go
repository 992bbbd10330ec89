package speaker

import (
	"sync"
	"time"

	"amalive/internal/media"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Config struct {
	FFTSize      int
	Smoothing    float64
	Threshold    float64
	SilenceDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		FFTSize:      512,
		Smoothing:    0.1,
		Threshold:    10,
		SilenceDelay: 1500 * time.Millisecond,
	}
}

// Detector turns the audio of one stream into a debounced speaking signal.
// Speech is reported immediately; silence only after SilenceDelay of quiet.
type Detector struct {
	cfg      Config
	audio    *Context
	logger   *zap.SugaredLogger
	onChange func(speaking bool)

	mu          sync.Mutex
	stream      *media.Stream
	loop        *loop
	speaking    bool
	unavailable bool
	closed      bool
}

type loop struct {
	analyser *Analyser
	clock    clock.Clock
	timer    *clock.Timer
	timerGen uint64
	buf      []uint8
	stop     chan struct{}
	done     chan struct{}
}

// NewDetector creates a detector on audio, or on the shared context when
// audio is nil. onChange runs with the detector locked and must not call
// back into it.
func NewDetector(audio *Context, cfg Config, logger *zap.SugaredLogger, onChange func(bool)) *Detector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Detector{
		cfg:      cfg,
		audio:    audio,
		logger:   logger,
		onChange: onChange,
	}
}

func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Unavailable reports whether the audio context could not be obtained.
func (d *Detector) Unavailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unavailable
}

// SetStream binds the detector to stream. Passing the bound stream again is a
// no-op. The previous analysis loop is stopped before SetStream returns.
func (d *Detector) SetStream(stream *media.Stream) {
	d.mu.Lock()
	if d.closed || stream == d.stream {
		d.mu.Unlock()
		return
	}
	old := d.loop
	d.loop = nil
	d.stream = stream
	d.setSpeaking(false)

	if stream != nil && len(stream.AudioTracks()) > 0 {
		d.loop = d.startLocked(stream)
	}
	d.mu.Unlock()

	old.shutdown()
}

// Close stops analysis for good and resets the signal to false.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	old := d.loop
	d.loop = nil
	d.stream = nil
	d.setSpeaking(false)
	d.mu.Unlock()

	old.shutdown()
}

func (d *Detector) startLocked(stream *media.Stream) *loop {
	if d.unavailable {
		return nil
	}
	if d.audio == nil {
		audio, err := SharedContext()
		if err != nil {
			d.unavailable = true
			d.logger.Warnw("audio context unavailable, speaking detection disabled", "error", err)
			return nil
		}
		d.audio = audio
	}

	analyser, err := d.audio.CreateAnalyser(stream, d.cfg.FFTSize, d.cfg.Smoothing)
	if err != nil {
		d.unavailable = true
		d.logger.Warnw("failed to create analyser, speaking detection disabled",
			"stream_id", stream.ID(),
			"error", err,
		)
		return nil
	}

	l := &loop{
		analyser: analyser,
		clock:    d.audio.Clock(),
		buf:      make([]uint8, analyser.FrequencyBinCount()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run(l, d.audio.FrameInterval())
	return l
}

func (d *Detector) run(l *loop, interval time.Duration) {
	defer close(l.done)
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			d.sample(l)
		}
	}
}

func (d *Detector) sample(l *loop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loop != l {
		return
	}

	l.analyser.ByteFrequencyData(l.buf)
	if meanEnergy(l.buf) > d.cfg.Threshold {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		d.setSpeaking(true)
		return
	}

	if d.speaking && l.timer == nil {
		l.timerGen++
		gen := l.timerGen
		l.timer = l.clock.AfterFunc(d.cfg.SilenceDelay, func() {
			d.silenceElapsed(l, gen)
		})
	}
}

func (d *Detector) silenceElapsed(l *loop, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loop != l || l.timer == nil || l.timerGen != gen {
		return
	}
	l.timer = nil
	d.setSpeaking(false)
}

func (d *Detector) setSpeaking(speaking bool) {
	if d.speaking == speaking {
		return
	}
	d.speaking = speaking
	if d.onChange != nil {
		d.onChange(speaking)
	}
}

// shutdown must be called without the detector lock held.
func (l *loop) shutdown() {
	if l == nil {
		return
	}
	close(l.stop)
	<-l.done
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.analyser.Disconnect()
}

func meanEnergy(buf []uint8) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum int
	for _, v := range buf {
		sum += int(v)
	}
	return float64(sum) / float64(len(buf))
}
