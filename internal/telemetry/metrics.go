package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SendsTotal         = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_sends_total", Help: "Messages delivered to the transport"})
	SendFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_send_failures_total", Help: "Transport errors recorded as failed"})
	ConditionSkips     = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_condition_skips_total", Help: "Recipients excluded by step conditions"})
	DuplicateSkips     = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_duplicate_skips_total", Help: "Sends suppressed by the duplicate check"})
	TriggersFired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_triggers_fired_total", Help: "Scheduler trigger firings"})
	RateLimitWaits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_rate_limit_waits_total", Help: "Sends delayed by the outbound rate limiter"})
	JobsSwept          = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_jobs_swept_total", Help: "Expired ledger rows removed by the sweeper"})
	RepliesObserved    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_replies_observed_total", Help: "Inbound reply signals applied to progress records"})
	ActiveCampaigns    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaign_active", Help: "Campaigns with registered triggers"})
	RegisteredTriggers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaign_triggers_registered", Help: "In-memory triggers currently registered"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SendsTotal,
			SendFailures,
			ConditionSkips,
			DuplicateSkips,
			TriggersFired,
			RateLimitWaits,
			JobsSwept,
			RepliesObserved,
			ActiveCampaigns,
			RegisteredTriggers,
		)
	})
	return promhttp.Handler()
}
