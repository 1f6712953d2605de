// Package metrics holds the relay counters. A nil *Metrics is valid and
// records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Relays                 *prometheus.CounterVec
	DeviceCache            *prometheus.CounterVec
	USyncQueries           prometheus.Counter
	SessionsFetched        prometheus.Counter
	SenderKeyDistributions prometheus.Counter
	MediaConnRefreshes     prometheus.Counter
	Receipts               *prometheus.CounterVec
	MediaRetries           *prometheus.CounterVec
}

// New creates the counters and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_relay_total",
			Help: "Relay calls by destination kind and outcome.",
		}, []string{"kind", "outcome"}),
		DeviceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_device_cache_total",
			Help: "Device cache lookups by result (hit/miss).",
		}, []string{"result"}),
		USyncQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_usync_queries_total",
			Help: "Device list queries sent to the server.",
		}),
		SessionsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_sessions_fetched_total",
			Help: "Prekey bundles fetched and installed.",
		}),
		SenderKeyDistributions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_sender_key_distributions_total",
			Help: "Devices that were sent a group sender key.",
		}),
		MediaConnRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_media_conn_refreshes_total",
			Help: "Media connection descriptor refreshes.",
		}),
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_receipts_total",
			Help: "Receipt stanzas sent by type.",
		}, []string{"type"}),
		MediaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_media_retries_total",
			Help: "Media re-upload requests by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Relays, m.DeviceCache,
			m.USyncQueries, m.SessionsFetched, m.SenderKeyDistributions,
			m.MediaConnRefreshes, m.Receipts, m.MediaRetries,
		)
	}
	return m
}

func (m *Metrics) Relay(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Relays.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.DeviceCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.DeviceCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) USyncQuery() {
	if m != nil {
		m.USyncQueries.Inc()
	}
}

func (m *Metrics) SessionFetch(n int) {
	if m != nil {
		m.SessionsFetched.Add(float64(n))
	}
}

func (m *Metrics) SenderKeyDistribution(n int) {
	if m != nil {
		m.SenderKeyDistributions.Add(float64(n))
	}
}

func (m *Metrics) MediaConnRefresh() {
	if m != nil {
		m.MediaConnRefreshes.Inc()
	}
}

func (m *Metrics) Receipt(typ string) {
	if m != nil {
		m.Receipts.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) MediaRetry(result string) {
	if m != nil {
		m.MediaRetries.WithLabelValues(result).Inc()
	}
}
