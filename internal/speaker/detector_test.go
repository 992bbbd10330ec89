package speaker

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"amalive/internal/media"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// The frame ticker never fires in these tests; frames are driven by calling sample.
func newTestContext(t *testing.T) (*Context, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	ctx, err := NewContext(mock, time.Hour)
	require.NoError(t, err)
	return ctx, mock
}

func noise(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32() - 0.5
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	changes []bool
}

func (r *recorder) record(speaking bool) {
	r.mu.Lock()
	r.changes = append(r.changes, speaking)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func currentLoop(d *Detector) *loop {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loop
}

func pendingTimer(d *Detector) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loop != nil && d.loop.timer != nil
}

// sampleUntilQuiet feeds frames until the silence timer is armed.
func sampleUntilQuiet(t *testing.T, d *Detector, l *loop) {
	t.Helper()
	for i := 0; i < 10 && !pendingTimer(d); i++ {
		d.sample(l)
	}
	require.True(t, pendingTimer(d), "energy never dropped below threshold")
}

func TestAnalyser_SinePeaksAtItsBin(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	a, err := ctx.CreateAnalyser(media.NewStream(track), 512, 0)
	require.NoError(t, err)
	defer a.Disconnect()

	// quiet enough to stay below the -30 dB ceiling
	pcm := make([]float32, 512)
	for i := range pcm {
		pcm[i] = float32(0.001 * math.Sin(2*math.Pi*8*float64(i)/512))
	}
	track.WriteSample(media.Sample{PCM: pcm})

	buf := make([]uint8, a.FrequencyBinCount())
	a.ByteFrequencyData(buf)

	peak := 0
	for k := range buf {
		if buf[k] > buf[peak] {
			peak = k
		}
	}
	assert.Equal(t, 8, peak)
	assert.Zero(t, buf[64], "far bins stay below -100 dB")
}

func TestNewContext_RejectsInvalidInput(t *testing.T) {
	_, err := NewContext(nil, time.Second)
	assert.Error(t, err)

	_, err = NewContext(clock.NewMock(), 0)
	assert.Error(t, err)
}

func TestSharedContext_IsReused(t *testing.T) {
	a, err := SharedContext()
	require.NoError(t, err)
	b, err := SharedContext()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestAnalyser_NoiseThenSilence(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	a, err := ctx.CreateAnalyser(media.NewStream(track), 512, 0.1)
	require.NoError(t, err)
	defer a.Disconnect()

	buf := make([]uint8, a.FrequencyBinCount())
	assert.Equal(t, 256, len(buf))

	a.ByteFrequencyData(buf)
	assert.Equal(t, 0.0, meanEnergy(buf), "nothing written yet")

	track.WriteSample(media.Sample{PCM: noise(rand.New(rand.NewSource(1)), 512)})
	a.ByteFrequencyData(buf)
	assert.Greater(t, meanEnergy(buf), 100.0)

	track.WriteSample(media.Sample{PCM: make([]float32, 512)})
	quiet := false
	for i := 0; i < 6; i++ {
		a.ByteFrequencyData(buf)
		if meanEnergy(buf) <= 10 {
			quiet = true
			break
		}
	}
	assert.True(t, quiet)
}

func TestAnalyser_AudioLevels(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	a, err := ctx.CreateAnalyser(media.NewStream(track), 512, 0.1)
	require.NoError(t, err)
	defer a.Disconnect()
	buf := make([]uint8, a.FrequencyBinCount())

	track.WriteSample(media.Sample{Level: 20, HasLevel: true})
	track.WriteSample(media.Sample{Level: 90, HasLevel: true})
	a.ByteFrequencyData(buf)
	assert.Greater(t, meanEnergy(buf), 150.0, "loudest level since last read wins")

	track.WriteSample(media.Sample{Level: media.SilentLevel, HasLevel: true})
	for i := 0; i < 6; i++ {
		a.ByteFrequencyData(buf)
	}
	assert.LessOrEqual(t, meanEnergy(buf), 10.0)
}

func TestAnalyser_StoppedSourceReadsSilence(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	a, err := ctx.CreateAnalyser(media.NewStream(track), 512, 0.1)
	require.NoError(t, err)
	defer a.Disconnect()
	buf := make([]uint8, a.FrequencyBinCount())

	track.WriteSample(media.Sample{Level: 20, HasLevel: true})
	a.ByteFrequencyData(buf)
	require.Greater(t, meanEnergy(buf), 150.0)

	track.Stop()
	for i := 0; i < 4; i++ {
		a.ByteFrequencyData(buf)
	}
	assert.LessOrEqual(t, meanEnergy(buf), 10.0)
}

func TestAnalyser_IdleSourceReadsSilence(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	a, err := ctx.CreateAnalyser(media.NewStream(track), 512, 0.1)
	require.NoError(t, err)
	defer a.Disconnect()
	buf := make([]uint8, a.FrequencyBinCount())

	track.WriteSample(media.Sample{Level: 20, HasLevel: true})
	for i := 0; i < maxIdleReads; i++ {
		a.ByteFrequencyData(buf)
		assert.Greater(t, meanEnergy(buf), 150.0, "level holds between packets, read %d", i)
	}

	for i := 0; i < 4; i++ {
		a.ByteFrequencyData(buf)
	}
	assert.LessOrEqual(t, meanEnergy(buf), 10.0)
}

func TestDetector_StoppedStreamFallsSilent(t *testing.T) {
	ctx, mock := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), nil)
	defer d.Close()

	d.SetStream(media.NewStream(track))
	l := currentLoop(d)
	track.WriteSample(media.Sample{Level: 20, HasLevel: true})
	d.sample(l)
	require.True(t, d.IsSpeaking())

	track.Stop()
	sampleUntilQuiet(t, d, l)
	mock.Add(1500 * time.Millisecond)
	assert.Eventually(t, func() bool { return !d.IsSpeaking() }, time.Second, 5*time.Millisecond)
}

func TestAnalyser_RejectsBadParameters(t *testing.T) {
	ctx, _ := newTestContext(t)
	stream := media.NewStream(media.NewTrack(media.KindAudio))

	_, err := ctx.CreateAnalyser(stream, 500, 0.1)
	assert.Error(t, err)
	_, err = ctx.CreateAnalyser(stream, 512, 1.5)
	assert.Error(t, err)
	_, err = ctx.CreateAnalyser(media.NewStream(), 512, 0.1)
	assert.Error(t, err)
	assert.Equal(t, 0, ctx.ActiveNodes())
}

func TestDetector_SpeechIsImmediateSilenceIsDelayed(t *testing.T) {
	ctx, mock := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	rec := &recorder{}
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), rec.record)
	defer d.Close()

	d.SetStream(media.NewStream(track))
	l := currentLoop(d)
	require.NotNil(t, l)

	track.WriteSample(media.Sample{PCM: noise(rand.New(rand.NewSource(2)), 512)})
	d.sample(l)
	assert.True(t, d.IsSpeaking())

	track.WriteSample(media.Sample{PCM: make([]float32, 512)})
	sampleUntilQuiet(t, d, l)
	d.sample(l)
	assert.True(t, d.IsSpeaking())

	mock.Add(1499 * time.Millisecond)
	assert.True(t, d.IsSpeaking())

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return !d.IsSpeaking() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestDetector_SpeechCancelsPendingSilence(t *testing.T) {
	ctx, mock := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	rng := rand.New(rand.NewSource(3))
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), nil)
	defer d.Close()

	d.SetStream(media.NewStream(track))
	l := currentLoop(d)

	track.WriteSample(media.Sample{PCM: noise(rng, 512)})
	d.sample(l)
	track.WriteSample(media.Sample{PCM: make([]float32, 512)})
	sampleUntilQuiet(t, d, l)

	mock.Add(time.Second)
	track.WriteSample(media.Sample{PCM: noise(rng, 512)})
	d.sample(l)
	assert.False(t, pendingTimer(d))

	mock.Add(time.Second)
	assert.Never(t, func() bool { return !d.IsSpeaking() }, 50*time.Millisecond, 5*time.Millisecond)
}

// Pauses shorter than the silence delay never produce a false signal.
func TestDetector_HysteresisHoldsAcrossShortPauses(t *testing.T) {
	for seed := int64(0); seed < 5; seed++ {
		ctx, mock := newTestContext(t)
		track := media.NewTrack(media.KindAudio)
		rng := rand.New(rand.NewSource(seed))
		rec := &recorder{}
		d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), rec.record)

		d.SetStream(media.NewStream(track))
		l := currentLoop(d)

		for burst := 0; burst < 8; burst++ {
			track.WriteSample(media.Sample{PCM: noise(rng, 512)})
			d.sample(l)

			track.WriteSample(media.Sample{PCM: make([]float32, 512)})
			pause := time.Duration(rng.Intn(14)) * 100 * time.Millisecond
			for elapsed := time.Duration(0); elapsed < pause; elapsed += 100 * time.Millisecond {
				d.sample(l)
				mock.Add(100 * time.Millisecond)
			}
		}

		assert.Equal(t, []bool{true}, rec.snapshot(), "seed %d", seed)
		d.Close()
	}
}

func TestDetector_SameStreamCreatesOneAnalyser(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	stream := media.NewStream(track)
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), nil)

	d.SetStream(stream)
	first := currentLoop(d)
	d.SetStream(stream)

	assert.Same(t, first, currentLoop(d))
	assert.Equal(t, 1, ctx.ActiveNodes())
	assert.Equal(t, 1, track.SinkCount())

	other := media.NewStream(media.NewTrack(media.KindAudio))
	d.SetStream(other)
	assert.Equal(t, 1, ctx.ActiveNodes())
	assert.Equal(t, 0, track.SinkCount(), "old analyser disconnected")

	d.Close()
	assert.Equal(t, 0, ctx.ActiveNodes())
	assert.False(t, d.IsSpeaking())

	d.SetStream(stream)
	assert.Equal(t, 0, ctx.ActiveNodes(), "closed detector stays idle")
}

func TestDetector_StreamWithoutAudioTracks(t *testing.T) {
	ctx, mock := newTestContext(t)
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), nil)
	defer d.Close()

	d.SetStream(media.NewStream(media.NewTrack(media.KindVideo)))
	mock.Add(5 * time.Second)

	assert.False(t, d.IsSpeaking())
	assert.Nil(t, currentLoop(d))
	assert.Equal(t, 0, ctx.ActiveNodes())

	d.SetStream(nil)
	assert.False(t, d.IsSpeaking())
	assert.Equal(t, 0, ctx.ActiveNodes())
}

func TestDetector_StreamChangeResetsSignal(t *testing.T) {
	ctx, _ := newTestContext(t)
	track := media.NewTrack(media.KindAudio)
	d := NewDetector(ctx, DefaultConfig(), zaptest.NewLogger(t).Sugar(), nil)
	defer d.Close()

	d.SetStream(media.NewStream(track))
	track.WriteSample(media.Sample{PCM: noise(rand.New(rand.NewSource(4)), 512)})
	d.sample(currentLoop(d))
	require.True(t, d.IsSpeaking())

	d.SetStream(nil)
	assert.False(t, d.IsSpeaking())
	assert.Equal(t, 0, ctx.ActiveNodes())
}

func TestDetector_InvalidConfigDegradesToFalse(t *testing.T) {
	ctx, _ := newTestContext(t)
	cfg := DefaultConfig()
	cfg.FFTSize = 100
	d := NewDetector(ctx, cfg, zaptest.NewLogger(t).Sugar(), nil)
	defer d.Close()

	d.SetStream(media.NewStream(media.NewTrack(media.KindAudio)))

	assert.True(t, d.Unavailable())
	assert.False(t, d.IsSpeaking())
	assert.Equal(t, 0, ctx.ActiveNodes())
}
