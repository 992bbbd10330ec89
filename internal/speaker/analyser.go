package speaker

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"amalive/internal/media"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0

	// frames without a new sample after which the source counts as silent
	maxIdleReads = 8
)

// Analyser produces a smoothed byte frequency spectrum of the audio written to it.
type Analyser struct {
	ctx       *Context
	fftSize   int
	smoothing float64
	window    []float64
	// per-bin magnitude of white noise at unit RMS after windowing
	noiseGain float64
	fft       *fourier.FFT

	mu           sync.Mutex
	ring         []float32
	pos          int
	levelMode    bool
	level        uint8
	fresh        bool
	idleReads    int
	live         int
	smoothed     []float64
	frame        []float64
	coeffs       []complex128
	detach       []func()
	disconnected bool
}

func newAnalyser(ctx *Context, fftSize int, smoothing float64) (*Analyser, error) {
	if !isPowerOfTwo(fftSize) || fftSize < 32 || fftSize > 32768 {
		return nil, fmt.Errorf("fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	if smoothing < 0 || smoothing > 1 {
		return nil, fmt.Errorf("smoothing %v must be in [0, 1]", smoothing)
	}

	win := make([]float64, fftSize)
	for i := range win {
		win[i] = 1
	}
	win = window.Blackman(win)
	var energy float64
	for _, w := range win {
		energy += w * w
	}

	return &Analyser{
		ctx:       ctx,
		fftSize:   fftSize,
		smoothing: smoothing,
		window:    win,
		noiseGain: math.Sqrt(energy) / float64(fftSize),
		fft:       fourier.NewFFT(fftSize),
		ring:      make([]float32, fftSize),
		level:     media.SilentLevel,
		smoothed:  make([]float64, fftSize/2),
		frame:     make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
	}, nil
}

func (a *Analyser) FFTSize() int { return a.fftSize }

func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// WriteSample implements media.Sink.
func (a *Analyser) WriteSample(s media.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disconnected || a.live == 0 {
		return
	}

	if s.PCM != nil {
		a.levelMode = false
		a.fresh = true
		for _, v := range s.PCM {
			a.ring[a.pos] = v
			a.pos = (a.pos + 1) % a.fftSize
		}
		return
	}
	if !s.HasLevel {
		return
	}

	// keep the loudest level seen since the last read
	a.levelMode = true
	if !a.fresh || s.Level < a.level {
		a.level = s.Level
	}
	a.fresh = true
}

// sourceEnded runs when one of the analysed tracks stops. Once all of them
// have stopped the analyser reads silence.
func (a *Analyser) sourceEnded() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live > 0 {
		a.live--
	}
	if a.live == 0 {
		a.silenceLocked()
	}
}

func (a *Analyser) silenceLocked() {
	for i := range a.ring {
		a.ring[i] = 0
	}
	a.level = media.SilentLevel
}

// ByteFrequencyData fills dst with the current spectrum scaled to 0..255
// between -100 dB and -30 dB. Every call advances the smoothing. A source
// that delivered nothing for maxIdleReads calls reads as silence.
func (a *Analyser) ByteFrequencyData(dst []uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fresh {
		a.idleReads = 0
	} else {
		a.idleReads++
		if a.idleReads >= maxIdleReads {
			a.silenceLocked()
		}
	}
	a.fresh = false

	bins := len(a.smoothed)
	if a.levelMode {
		mag := math.Pow(10, -float64(a.level)/20) * a.noiseGain
		for k := 0; k < bins; k++ {
			a.smooth(k, mag)
		}
	} else {
		for i := 0; i < a.fftSize; i++ {
			a.frame[i] = float64(a.ring[(a.pos+i)%a.fftSize]) * a.window[i]
		}
		a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)
		scale := 1 / float64(a.fftSize)
		for k := 0; k < bins; k++ {
			a.smooth(k, cmplx.Abs(a.coeffs[k])*scale)
		}
	}

	n := len(dst)
	if n > bins {
		n = bins
	}
	rangeScale := 255 / (maxDecibels - minDecibels)
	for k := 0; k < n; k++ {
		db := 20 * math.Log10(a.smoothed[k])
		scaled := rangeScale * (db - minDecibels)
		switch {
		case math.IsNaN(scaled) || scaled < 0:
			dst[k] = 0
		case scaled > 255:
			dst[k] = 255
		default:
			dst[k] = uint8(scaled)
		}
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func (a *Analyser) smooth(k int, mag float64) {
	v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	a.smoothed[k] = v
}

// Disconnect detaches the analyser from its tracks. The context stays open.
func (a *Analyser) Disconnect() {
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return
	}
	a.disconnected = true
	detach := a.detach
	a.detach = nil
	a.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	a.ctx.release(a)
}
