package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_enqueue_total", Help: "Queue enqueue results"},
		[]string{"kind", "result"},
	)
	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_job_outcomes_total", Help: "Dispatcher job ack outcomes"},
		[]string{"kind", "outcome"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"result"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	SessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_sessions_live", Help: "Session instances with a running connect loop"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_session_transitions_total", Help: "Session state transitions"},
		[]string{"to"},
	)
	SessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_session_reconnects_total", Help: "Session reconnect attempts"},
		[]string{"result"},
	)
	CampaignContacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_campaign_contacts_total", Help: "Campaign contact terminal outcomes"},
		[]string{"status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, JobOutcomes, GatewaySend, GatewayLatency,
		SessionsLive, SessionTransitions, SessionReconnects, CampaignContacts)
}
