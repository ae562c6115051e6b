// Package freshness implements the Freshness Tracker: per-upstream chain
// time bookkeeping and the "hot set" of upstreams fresh enough to serve
// traffic.
package freshness

import (
	"sync"
	"time"

	"github.com/tonfoundation/liteproxy/internal/upstream"
)

// Config controls the freshness window and recompute cadence.
type Config struct {
	// FreshnessSeconds is the maximum age (now - last_chain_time) for an
	// upstream to be considered fresh.
	FreshnessSeconds int64 `json:"freshness_seconds"`
	// RecomputeEveryTicks is how many probe ticks elapse between hot-set
	// recomputations (one probe per upstream per tick).
	RecomputeEveryTicks int `json:"recompute_every_ticks"`
}

func (c *Config) applyDefaults() {
	if c.FreshnessSeconds == 0 {
		c.FreshnessSeconds = 30
	}
	if c.RecomputeEveryTicks == 0 {
		c.RecomputeEveryTicks = 10
	}
}

type entry struct {
	connected     bool
	lastChainTime int64
	fresh         bool
}

// Tracker maintains last_chain_time per upstream and the hot set derived
// from it. State machine per upstream: Disconnected -> Connected ->
// Fresh <-> Stale -> Disconnected.
type Tracker struct {
	cfg Config

	mu       sync.RWMutex
	entries  map[upstream.ID]*entry
	hotSet   map[upstream.ID]bool
	bestID   upstream.ID
	bestTime int64
	haveBest bool

	tickCount int
}

// NewTracker creates a Tracker with cfg defaults applied.
func NewTracker(cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:     cfg,
		entries: make(map[upstream.ID]*entry),
		hotSet:  make(map[upstream.ID]bool),
	}
}

// ReportReady records that an upstream's connection came up.
func (t *Tracker) ReportReady(id upstream.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &entry{connected: true}
}

// ReportClosed removes an upstream from the time map and hot set
// immediately, per spec.md §4.5.
func (t *Tracker) ReportClosed(id upstream.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
	delete(t.hotSet, id)
	if t.haveBest && t.bestID == id {
		t.haveBest = false
	}
}

// ReportChainTime records the last chain time an upstream reported via a
// freshness probe.
func (t *Tracker) ReportChainTime(id upstream.ID, unixSeconds int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{connected: true}
		t.entries[id] = e
	}
	if unixSeconds > 0 {
		e.lastChainTime = unixSeconds
		if !t.haveBest || unixSeconds > t.bestTime {
			t.bestID, t.bestTime, t.haveBest = id, unixSeconds, true
		}
	}
}

// Tick advances the probe counter; every RecomputeEveryTicks calls it
// recomputes the hot set. Returns true if recomputation happened.
func (t *Tracker) Tick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickCount++
	if t.tickCount < t.cfg.RecomputeEveryTicks {
		return false
	}
	t.tickCount = 0
	t.recomputeLocked()
	return true
}

func (t *Tracker) recomputeLocked() {
	now := time.Now().Unix()
	next := make(map[upstream.ID]bool, len(t.entries))
	for id, e := range t.entries {
		if !e.connected {
			continue
		}
		e.fresh = e.lastChainTime > 0 && now-e.lastChainTime <= t.cfg.FreshnessSeconds
		if e.fresh {
			next[id] = true
		}
	}
	t.hotSet = next
}

// HotSet returns a point-in-time snapshot of fresh upstream ids.
func (t *Tracker) HotSet() []upstream.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]upstream.ID, 0, len(t.hotSet))
	for id := range t.hotSet {
		out = append(out, id)
	}
	return out
}

// Connected returns every upstream currently reporting a live connection,
// the fallback dispatch population when the hot set is empty.
func (t *Tracker) Connected() []upstream.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]upstream.ID, 0, len(t.entries))
	for id, e := range t.entries {
		if e.connected {
			out = append(out, id)
		}
	}
	return out
}

// IsConnected reports whether id currently has a live connection tracked.
func (t *Tracker) IsConnected(id upstream.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return ok && e.connected
}

// Best returns the upstream with the most recent chain time observed, for
// informational logging only — it plays no part in dispatch selection.
func (t *Tracker) Best() (upstream.ID, int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bestID, t.bestTime, t.haveBest
}
