package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"amalive/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeSignaler records offers and can react to them.
type fakeSignaler struct {
	mu      sync.Mutex
	offers  []webrtc.SessionDescription
	onOffer func()
}

func (f *fakeSignaler) SendOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	f.offers = append(f.offers, offer)
	hook := f.onOffer
	f.mu.Unlock()
	if hook != nil {
		go hook()
	}
	return nil
}

func (f *fakeSignaler) SendCandidate(webrtc.ICECandidateInit) error { return nil }

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func newIngest(t *testing.T, sig Signaler) *AudioIngest {
	t.Helper()
	ingest, err := NewAudioIngest(Config{}, sig, nil, zaptest.NewLogger(t).Sugar(), "s1", "host")
	require.NoError(t, err)
	t.Cleanup(func() { ingest.Close() })
	return ingest
}

func TestAudioIngest_OfferIsRecvOnlyAudioWithLevels(t *testing.T) {
	sig := &fakeSignaler{}
	ingest := newIngest(t, sig)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ingest.GetLocalAudioStream(ctx)
	assert.ErrorIs(t, err, domain.ErrDeviceTimeout)

	require.Equal(t, 1, sig.offerCount())
	sdp := sig.offers[0].SDP
	assert.Equal(t, webrtc.SDPTypeOffer, sig.offers[0].Type)
	assert.Contains(t, sdp, "m=audio")
	assert.NotContains(t, sdp, "m=video")
	assert.Contains(t, sdp, "a=recvonly")
	assert.Contains(t, sdp, audioLevelURI)
}

func TestAudioIngest_DeviceErrors(t *testing.T) {
	cases := []struct {
		name string
		want error
	}{
		{"NotAllowedError", domain.ErrPermissionDenied},
		{"NotFoundError", domain.ErrDeviceNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := &fakeSignaler{}
			ingest := newIngest(t, sig)
			sig.onOffer = func() { ingest.ReportDeviceError(tc.name, "denied by user") }

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := ingest.GetLocalAudioStream(ctx)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAudioIngest_CloseFailsPendingAcquisition(t *testing.T) {
	sig := &fakeSignaler{}
	ingest := newIngest(t, sig)
	sig.onOffer = func() { ingest.Close() }

	_, err := ingest.GetLocalAudioStream(context.Background())
	require.Error(t, err)

	_, err = ingest.GetLocalAudioStream(context.Background())
	assert.Error(t, err, "closed ingest refuses new acquisitions")
}

func TestAudioIngest_AnswerWithoutOffer(t *testing.T) {
	ingest := newIngest(t, &fakeSignaler{})
	assert.ErrorIs(t, ingest.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}), errNoAnswerPending)
	assert.ErrorIs(t, ingest.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}), errNoAnswerPending)
	ingest.ReportDeviceError("NotAllowedError", "ignored")
}

func TestDeviceError_Mapping(t *testing.T) {
	assert.ErrorIs(t, DeviceError("SecurityError", ""), domain.ErrPermissionDenied)
	assert.ErrorIs(t, DeviceError("OverconstrainedError", ""), domain.ErrDeviceNotFound)

	other := DeviceError("AbortError", "hardware busy")
	assert.NotErrorIs(t, other, domain.ErrPermissionDenied)
	assert.NotErrorIs(t, other, domain.ErrDeviceNotFound)
	assert.True(t, strings.Contains(other.Error(), "hardware busy"))
}

func TestAudioLevel(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	raw, err := rtp.AudioLevelExtension{Level: 30, Voice: true}.Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.Header.SetExtension(1, raw))

	level, ok := audioLevel(pkt, 1)
	assert.True(t, ok)
	assert.Equal(t, uint8(30), level)

	_, ok = audioLevel(pkt, 0)
	assert.False(t, ok, "extension not negotiated")
	_, ok = audioLevel(pkt, 2)
	assert.False(t, ok, "extension missing from packet")
}

func TestAudioIngest_WarnsWithoutLevelExtension(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ingest, err := NewAudioIngest(Config{}, &fakeSignaler{}, nil, zap.New(core).Sugar(), "s1", "host")
	require.NoError(t, err)
	defer ingest.Close()

	assert.True(t, ingest.checkLevelExtension(3))
	assert.Zero(t, logs.Len())

	assert.False(t, ingest.checkLevelExtension(0))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Contains(t, entry.Message, "audio level extension not negotiated")
	assert.Equal(t, domain.SessionID("s1"), entry.ContextMap()["session_id"])
}

func TestRTPStats_LossAndWrap(t *testing.T) {
	s := newRTPStats(48000)
	now := time.Now()
	for _, seq := range []uint16{65533, 65534, 0, 1, 3} {
		s.update(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, 10)}, now)
	}

	assert.Equal(t, uint64(7), s.expected(), "65533..3 across the wrap")
	assert.Equal(t, uint64(5), s.received)
	assert.Equal(t, uint64(50), s.bytes)
	assert.InDelta(t, 2.0/7.0, s.lossFraction(), 1e-9)
}

func TestRTPStats_Jitter(t *testing.T) {
	s := newRTPStats(48000)
	start := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)}}
		s.update(pkt, start.Add(time.Duration(i)*20*time.Millisecond))
	}
	assert.Less(t, s.jitterDuration(), time.Millisecond, "steady pacing")

	late := &rtp.Packet{Header: rtp.Header{SequenceNumber: 10, Timestamp: 10 * 960}}
	s.update(late, start.Add(210*time.Millisecond))
	assert.InDelta(t, float64(10*time.Millisecond/16), float64(s.jitterDuration()), float64(100*time.Microsecond))
	assert.Zero(t, s.lossFraction())
}
