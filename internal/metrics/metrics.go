// Package metrics collects and reports proxy-domain counters: admission
// outcomes, refire activity, and upstream pool health.
package metrics

import (
	"sync/atomic"
)

// Collector holds all proxy metrics as lock-free atomics.
type Collector struct {
	UpstreamsConnected atomic.Int64
	HotSetSize         atomic.Int64

	RequestsAdmitted   atomic.Uint64
	RequestsRateLimited atomic.Uint64
	RequestsRefired    atomic.Uint64
	RequestsRefireExhausted atomic.Uint64
	RequestsUnauthorised atomic.Uint64
	RequestsNotReady   atomic.Uint64

	AdminMutationsOK   atomic.Uint64
	AdminMutationsFailed atomic.Uint64
}

// NewCollector creates an empty metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetUpstreamsConnected records the number of upstreams currently connected.
func (m *Collector) SetUpstreamsConnected(n int64) {
	m.UpstreamsConnected.Store(n)
}

// SetHotSetSize records the current hot-set size.
func (m *Collector) SetHotSetSize(n int64) {
	m.HotSetSize.Store(n)
}

// IncrementAdmitted counts one admitted (forwarded) request.
func (m *Collector) IncrementAdmitted() { m.RequestsAdmitted.Add(1) }

// IncrementRateLimited counts one rejected-by-budget request.
func (m *Collector) IncrementRateLimited() { m.RequestsRateLimited.Add(1) }

// IncrementRefired counts one refire escalation.
func (m *Collector) IncrementRefired() { m.RequestsRefired.Add(1) }

// IncrementRefireExhausted counts one refire chain that hit MAX_REFIRE.
func (m *Collector) IncrementRefireExhausted() { m.RequestsRefireExhausted.Add(1) }

// IncrementUnauthorised counts one request to an unknown destination.
func (m *Collector) IncrementUnauthorised() { m.RequestsUnauthorised.Add(1) }

// IncrementNotReady counts one request rejected because the proxy has not
// finished initialising.
func (m *Collector) IncrementNotReady() { m.RequestsNotReady.Add(1) }

// IncrementAdminOK counts one successful admin mutation.
func (m *Collector) IncrementAdminOK() { m.AdminMutationsOK.Add(1) }

// IncrementAdminFailed counts one failed admin mutation.
func (m *Collector) IncrementAdminFailed() { m.AdminMutationsFailed.Add(1) }

// Snapshot is a point-in-time view of the collector, suitable for /status.
type Snapshot struct {
	UpstreamsConnected      int64  `json:"upstreams_connected"`
	HotSetSize              int64  `json:"hot_set_size"`
	RequestsAdmitted        uint64 `json:"requests_admitted"`
	RequestsRateLimited     uint64 `json:"requests_rate_limited"`
	RequestsRefired         uint64 `json:"requests_refired"`
	RequestsRefireExhausted uint64 `json:"requests_refire_exhausted"`
	RequestsUnauthorised    uint64 `json:"requests_unauthorised"`
	RequestsNotReady        uint64 `json:"requests_not_ready"`
	AdminMutationsOK        uint64 `json:"admin_mutations_ok"`
	AdminMutationsFailed    uint64 `json:"admin_mutations_failed"`
}

// Snapshot takes a consistent-enough read of every counter.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		UpstreamsConnected:      m.UpstreamsConnected.Load(),
		HotSetSize:              m.HotSetSize.Load(),
		RequestsAdmitted:        m.RequestsAdmitted.Load(),
		RequestsRateLimited:     m.RequestsRateLimited.Load(),
		RequestsRefired:         m.RequestsRefired.Load(),
		RequestsRefireExhausted: m.RequestsRefireExhausted.Load(),
		RequestsUnauthorised:    m.RequestsUnauthorised.Load(),
		RequestsNotReady:        m.RequestsNotReady.Load(),
		AdminMutationsOK:        m.AdminMutationsOK.Load(),
		AdminMutationsFailed:    m.AdminMutationsFailed.Load(),
	}
}
