package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors exported
// alongside the atomic Collector.
type PrometheusCollectors struct {
	UpstreamsConnected prometheus.Gauge
	HotSetSize         prometheus.Gauge

	RequestsAdmitted        prometheus.Counter
	RequestsRateLimited     prometheus.Counter
	RequestsRefired         prometheus.Counter
	RequestsRefireExhausted prometheus.Counter
	RequestsUnauthorised    prometheus.Counter
	RequestsNotReady        prometheus.Counter

	AdminMutationsOK     prometheus.Counter
	AdminMutationsFailed prometheus.Counter
}

// InitPrometheus registers (or recovers the already-registered instance
// of) every proxy gauge/counter under namespace.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	gauge := func(name, help string) prometheus.Gauge {
		return register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		})).(prometheus.Gauge)
	}
	counter := func(name, help string) prometheus.Counter {
		return register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})).(prometheus.Counter)
	}

	return &PrometheusCollectors{
		UpstreamsConnected:      gauge("upstreams_connected", "Number of upstream lite-servers currently connected"),
		HotSetSize:              gauge("hot_set_size", "Number of upstreams currently in the freshness hot set"),
		RequestsAdmitted:        counter("requests_admitted_total", "Total requests forwarded to an upstream"),
		RequestsRateLimited:     counter("requests_rate_limited_total", "Total requests rejected by rate limit"),
		RequestsRefired:         counter("requests_refired_total", "Total refire escalations"),
		RequestsRefireExhausted: counter("requests_refire_exhausted_total", "Total requests that exhausted MAX_REFIRE"),
		RequestsUnauthorised:    counter("requests_unauthorised_total", "Total requests to an unknown destination identity"),
		RequestsNotReady:        counter("requests_not_ready_total", "Total requests rejected because the proxy was not yet initialised"),
		AdminMutationsOK:        counter("admin_mutations_ok_total", "Total successful admin mutations"),
		AdminMutationsFailed:    counter("admin_mutations_failed_total", "Total failed admin mutations"),
	}
}

// Sync pushes the current atomic Collector values into the prometheus
// gauges/counters. Counters are monotonic in Collector already, so Sync
// uses Add against the delta tracked internally — called periodically
// from the Router's report loop.
type SyncState struct {
	admitted, rateLimited, refired, refireExhausted, unauthorised, notReady uint64
	adminOK, adminFailed                                                   uint64
}

// NewSyncState creates the delta tracker Sync needs between calls.
func NewSyncState() *SyncState { return &SyncState{} }

// Sync advances every prometheus counter by the delta since the previous
// call and sets both gauges to their current values.
func (p *PrometheusCollectors) Sync(c *Collector, s *SyncState) {
	snap := c.Snapshot()

	p.UpstreamsConnected.Set(float64(snap.UpstreamsConnected))
	p.HotSetSize.Set(float64(snap.HotSetSize))

	addDelta := func(counter prometheus.Counter, prev *uint64, current uint64) {
		if current > *prev {
			counter.Add(float64(current - *prev))
		}
		*prev = current
	}

	addDelta(p.RequestsAdmitted, &s.admitted, snap.RequestsAdmitted)
	addDelta(p.RequestsRateLimited, &s.rateLimited, snap.RequestsRateLimited)
	addDelta(p.RequestsRefired, &s.refired, snap.RequestsRefired)
	addDelta(p.RequestsRefireExhausted, &s.refireExhausted, snap.RequestsRefireExhausted)
	addDelta(p.RequestsUnauthorised, &s.unauthorised, snap.RequestsUnauthorised)
	addDelta(p.RequestsNotReady, &s.notReady, snap.RequestsNotReady)
	addDelta(p.AdminMutationsOK, &s.adminOK, snap.AdminMutationsOK)
	addDelta(p.AdminMutationsFailed, &s.adminFailed, snap.AdminMutationsFailed)
}
