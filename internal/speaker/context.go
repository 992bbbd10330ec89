package speaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"amalive/internal/media"

	"github.com/benbjohnson/clock"
)

// DefaultFrameInterval paces analysis the way an animation frame would.
const DefaultFrameInterval = 16 * time.Millisecond

var (
	sharedOnce sync.Once
	shared     *Context
	sharedErr  error
)

// SharedContext returns the process-wide audio context, creating it on first use.
// It is never closed.
func SharedContext() (*Context, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = NewContext(clock.New(), DefaultFrameInterval)
	})
	return shared, sharedErr
}

// Context is the audio-processing context analysers are created from. One
// instance is meant to be shared by every detector in the process.
type Context struct {
	clock         clock.Clock
	frameInterval time.Duration

	mu    sync.Mutex
	nodes map[*Analyser]struct{}
}

func NewContext(clk clock.Clock, frameInterval time.Duration) (*Context, error) {
	if clk == nil {
		return nil, errors.New("audio context requires a clock")
	}
	if frameInterval <= 0 {
		return nil, fmt.Errorf("invalid frame interval %s", frameInterval)
	}
	return &Context{
		clock:         clk,
		frameInterval: frameInterval,
		nodes:         make(map[*Analyser]struct{}),
	}, nil
}

func (c *Context) Clock() clock.Clock { return c.clock }

func (c *Context) FrameInterval() time.Duration { return c.frameInterval }

// CreateAnalyser connects a new analysis node to every audio track of stream.
func (c *Context) CreateAnalyser(stream *media.Stream, fftSize int, smoothing float64) (*Analyser, error) {
	if stream == nil {
		return nil, errors.New("nil stream")
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("stream has no audio tracks")
	}

	a, err := newAnalyser(c, fftSize, smoothing)
	if err != nil {
		return nil, err
	}
	a.live = len(tracks)
	for _, t := range tracks {
		a.detach = append(a.detach, t.Attach(a))
		t.OnStop(a.sourceEnded)
	}

	c.mu.Lock()
	c.nodes[a] = struct{}{}
	c.mu.Unlock()
	return a, nil
}

// ActiveNodes returns how many analysers are still connected.
func (c *Context) ActiveNodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

func (c *Context) release(a *Analyser) {
	c.mu.Lock()
	delete(c.nodes, a)
	c.mu.Unlock()
}
