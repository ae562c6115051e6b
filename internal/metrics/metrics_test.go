package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestCollectorInitialState(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	if snap.UpstreamsConnected != 0 || snap.HotSetSize != 0 {
		t.Fatalf("expected zero gauges, got %+v", snap)
	}
	if snap.RequestsAdmitted != 0 || snap.RequestsRateLimited != 0 {
		t.Fatalf("expected zero counters, got %+v", snap)
	}
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector()
	c.SetUpstreamsConnected(3)
	c.SetHotSetSize(2)

	snap := c.Snapshot()
	if snap.UpstreamsConnected != 3 {
		t.Errorf("UpstreamsConnected = %d, want 3", snap.UpstreamsConnected)
	}
	if snap.HotSetSize != 2 {
		t.Errorf("HotSetSize = %d, want 2", snap.HotSetSize)
	}
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.IncrementAdmitted()
	c.IncrementAdmitted()
	c.IncrementRateLimited()
	c.IncrementRefired()
	c.IncrementRefireExhausted()
	c.IncrementUnauthorised()
	c.IncrementNotReady()
	c.IncrementAdminOK()
	c.IncrementAdminFailed()

	snap := c.Snapshot()
	if snap.RequestsAdmitted != 2 {
		t.Errorf("RequestsAdmitted = %d, want 2", snap.RequestsAdmitted)
	}
	if snap.RequestsRateLimited != 1 || snap.RequestsRefired != 1 || snap.RequestsRefireExhausted != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.AdminMutationsOK != 1 || snap.AdminMutationsFailed != 1 {
		t.Errorf("unexpected admin counters: %+v", snap)
	}
}

func TestPrometheusSyncDeltas(t *testing.T) {
	c := NewCollector()
	pc := InitPrometheus("liteproxy_test_sync")
	state := NewSyncState()

	c.IncrementAdmitted()
	pc.Sync(c, state)
	c.IncrementAdmitted()
	pc.Sync(c, state)

	// Sync must not double-count: after two syncs with one increment each,
	// the prometheus counter should read 2, the same as the atomic one.
	var metric dto.Metric
	pc.RequestsAdmitted.Write(&metric)
	if got := metric.Counter.GetValue(); got != 2 {
		t.Errorf("prometheus counter = %v, want 2", got)
	}
}
