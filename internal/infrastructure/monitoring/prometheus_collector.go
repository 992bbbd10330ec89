package monitoring

import (
	"strconv"
	"time"

	"amalive/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements room.Metrics and services.StatusMetrics.
type PrometheusCollector struct {
	visitsActive      *prometheus.GaugeVec
	visitsTotal       *prometheus.CounterVec
	publishersActive  prometheus.Gauge
	speakingChanges   *prometheus.CounterVec
	deviceFailures    *prometheus.CounterVec
	countdownExpiries prometheus.Counter

	sessionsCreated   *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec

	wsConnections prometheus.Gauge
	wsMessages    *prometheus.CounterVec

	rtpBytes         prometheus.Counter
	rtpPackets       prometheus.Counter
	ingestPacketLoss prometheus.Histogram
	ingestJitter     prometheus.Histogram
	ingestSetup      prometheus.Histogram
}

// NewPrometheusCollector registers every series on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		visitsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amalive_visits_active",
			Help: "Room visits currently open",
		}, []string{"media_type"}),

		visitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_visits_total",
			Help: "Room visits opened",
		}, []string{"media_type"}),

		publishersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "amalive_publishers_active",
			Help: "Visits currently holding a local microphone stream",
		}),

		speakingChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_speaking_transitions_total",
			Help: "Speaking indicator transitions",
		}, []string{"speaking"}),

		deviceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_device_failures_total",
			Help: "Failed local media acquisitions by reason",
		}, []string{"reason"}),

		countdownExpiries: f.NewCounter(prometheus.CounterOpts{
			Name: "amalive_countdown_expiries_total",
			Help: "Live session countdowns that reached zero",
		}),

		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_sessions_created_total",
			Help: "Sessions created",
		}, []string{"media_type"}),

		statusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_status_transitions_total",
			Help: "Session status transitions",
		}, []string{"from", "to"}),

		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "amalive_ws_connections",
			Help: "Open room WebSocket connections",
		}),

		wsMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amalive_ws_messages_total",
			Help: "Inbound room WebSocket messages by type",
		}, []string{"type"}),

		rtpBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "amalive_rtp_bytes_total",
			Help: "RTP payload bytes received from microphones",
		}),

		rtpPackets: f.NewCounter(prometheus.CounterOpts{
			Name: "amalive_rtp_packets_total",
			Help: "RTP packets received from microphones",
		}),

		ingestPacketLoss: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amalive_ingest_packet_loss_ratio",
			Help:    "Fraction of microphone packets lost, from receiver reports",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		ingestJitter: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amalive_ingest_jitter_seconds",
			Help:    "Interarrival jitter of microphone streams",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1},
		}),

		ingestSetup: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amalive_ingest_setup_duration_seconds",
			Help:    "Time from offer to first microphone packet",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) VisitStarted(mediaType domain.MediaType) {
	p.visitsActive.WithLabelValues(string(mediaType)).Inc()
	p.visitsTotal.WithLabelValues(string(mediaType)).Inc()
}

func (p *PrometheusCollector) VisitEnded(mediaType domain.MediaType) {
	p.visitsActive.WithLabelValues(string(mediaType)).Dec()
}

func (p *PrometheusCollector) PublisherStarted() {
	p.publishersActive.Inc()
}

func (p *PrometheusCollector) PublisherStopped() {
	p.publishersActive.Dec()
}

func (p *PrometheusCollector) SpeakingChanged(speaking bool) {
	p.speakingChanges.WithLabelValues(strconv.FormatBool(speaking)).Inc()
}

func (p *PrometheusCollector) DeviceFailed(reason string) {
	p.deviceFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) CountdownExpired() {
	p.countdownExpiries.Inc()
}

func (p *PrometheusCollector) RecordSessionCreated(mediaType domain.MediaType) {
	p.sessionsCreated.WithLabelValues(string(mediaType)).Inc()
}

func (p *PrometheusCollector) RecordStatusTransition(from, to domain.SessionStatus) {
	p.statusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) RecordWSConnected() {
	p.wsConnections.Inc()
}

func (p *PrometheusCollector) RecordWSDisconnected() {
	p.wsConnections.Dec()
}

func (p *PrometheusCollector) RecordWSMessage(messageType string) {
	p.wsMessages.WithLabelValues(messageType).Inc()
}

// RecordIngest folds the final statistics of one microphone connection into
// the counters. Call it once per connection.
func (p *PrometheusCollector) RecordIngest(m domain.IngestMetrics) {
	p.rtpBytes.Add(float64(m.BytesRead))
	p.rtpPackets.Add(float64(m.PacketsRead))
	p.ingestPacketLoss.Observe(m.PacketLoss)
	p.ingestJitter.Observe(m.Jitter.Seconds())
}

func (p *PrometheusCollector) RecordIngestSetup(d time.Duration) {
	p.ingestSetup.Observe(d.Seconds())
}
