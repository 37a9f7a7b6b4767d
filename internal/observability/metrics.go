package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_campaign_runs_total", Help: "Campaign run outcomes"},
		[]string{"status"},
	)
	ChannelSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_channel_send_total", Help: "Per-channel send outcomes"},
		[]string{"channel", "result"},
	)
	ChannelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "broadcast_channel_send_latency_seconds", Help: "Provider call latency"},
		[]string{"channel"},
	)
	RecipientsResolved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_recipients_resolved",
			Help:    "Recipients resolved per campaign run",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	RecipientOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_recipients_total", Help: "Recipients by at-least-one-channel outcome"},
		[]string{"outcome"},
	)
	Batches = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_batches_total", Help: "Batches dispatched"},
	)
	TrackerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_tracker_writes_total", Help: "Recipient record and counter write results"},
		[]string{"kind", "result"},
	)
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_audit_events_total", Help: "Audit publish results"},
		[]string{"sink", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignRuns, ChannelSends, ChannelLatency, RecipientsResolved, RecipientOutcomes, Batches, TrackerWrites, AuditEvents)
}
