package domain

import "time"

// IngestMetrics summarises one microphone ingest connection, built from RTCP
// reports and the RTP packets read off the track.
type IngestMetrics struct {
	SessionID   SessionID
	UserID      UserID
	Timestamp   time.Time
	PacketsRead uint64
	BytesRead   uint64
	PacketLoss  float64 // 0-1
	Jitter      time.Duration
	LastLevel   uint8 // -dBov, 127 is silence
}
