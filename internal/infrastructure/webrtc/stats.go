package webrtc

import (
	"time"

	"github.com/pion/rtp"
)

// rtpStats tracks reception statistics for one RTP source the way RFC 3550
// appendix A.1 and A.8 describe them.
type rtpStats struct {
	clockRate float64

	started  bool
	baseSeq  uint16
	maxSeq   uint16
	cycles   uint32
	received uint64
	bytes    uint64

	lastTransit float64
	jitter      float64 // in RTP timestamp units
	lastLevel   uint8
}

func newRTPStats(clockRate uint32) *rtpStats {
	if clockRate == 0 {
		clockRate = 48000
	}
	return &rtpStats{clockRate: float64(clockRate), lastLevel: 127}
}

// update folds one packet received at arrival into the statistics.
func (s *rtpStats) update(pkt *rtp.Packet, arrival time.Time) {
	s.received++
	s.bytes += uint64(len(pkt.Payload))

	seq := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.baseSeq = seq
		s.maxSeq = seq
	} else if delta := seq - s.maxSeq; delta != 0 && delta < 1<<15 {
		if seq < s.maxSeq {
			s.cycles++
		}
		s.maxSeq = seq
	}

	arrivalUnits := float64(arrival.UnixNano()) / float64(time.Second) * s.clockRate
	transit := arrivalUnits - float64(pkt.Timestamp)
	if s.received > 1 {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (d - s.jitter) / 16
	}
	s.lastTransit = transit
}

func (s *rtpStats) expected() uint64 {
	if !s.started {
		return 0
	}
	extendedMax := uint64(s.cycles)<<16 | uint64(s.maxSeq)
	return extendedMax - uint64(s.baseSeq) + 1
}

// lossFraction is the share of expected packets never received, in [0, 1].
func (s *rtpStats) lossFraction() float64 {
	expected := s.expected()
	if expected == 0 || s.received >= expected {
		return 0
	}
	return float64(expected-s.received) / float64(expected)
}

func (s *rtpStats) jitterDuration() time.Duration {
	return time.Duration(s.jitter / s.clockRate * float64(time.Second))
}
