package freshness

import (
	"testing"
	"time"

	"github.com/tonfoundation/liteproxy/internal/upstream"
)

func id(b byte) upstream.ID {
	var out upstream.ID
	out[0] = b
	return out
}

func TestHotSetRecomputeCadence(t *testing.T) {
	tr := NewTracker(Config{FreshnessSeconds: 30, RecomputeEveryTicks: 3})
	a := id(1)
	tr.ReportReady(a)
	tr.ReportChainTime(a, time.Now().Unix())

	if tr.Tick() {
		t.Fatalf("tick 1 should not recompute yet")
	}
	if tr.Tick() {
		t.Fatalf("tick 2 should not recompute yet")
	}
	if !tr.Tick() {
		t.Fatalf("tick 3 should recompute")
	}
	hot := tr.HotSet()
	if len(hot) != 1 || hot[0] != a {
		t.Fatalf("hot set = %v, want [%v]", hot, a)
	}
}

func TestStaleUpstreamDemoted(t *testing.T) {
	tr := NewTracker(Config{FreshnessSeconds: 30, RecomputeEveryTicks: 1})
	a := id(1)
	tr.ReportReady(a)
	tr.ReportChainTime(a, time.Now().Add(-45*time.Second).Unix())
	tr.Tick()

	if len(tr.HotSet()) != 0 {
		t.Fatalf("expected stale upstream to be excluded from hot set")
	}
}

func TestClosedRemovesImmediately(t *testing.T) {
	tr := NewTracker(Config{FreshnessSeconds: 30, RecomputeEveryTicks: 1})
	a := id(1)
	tr.ReportReady(a)
	tr.ReportChainTime(a, time.Now().Unix())
	tr.Tick()
	if len(tr.HotSet()) != 1 {
		t.Fatalf("expected a in hot set before close")
	}

	tr.ReportClosed(a)
	if len(tr.HotSet()) != 0 {
		t.Fatalf("expected immediate removal from hot set on close")
	}
	if tr.IsConnected(a) {
		t.Fatalf("expected a to be disconnected")
	}
}

func TestBestTracksMostRecentChainTime(t *testing.T) {
	tr := NewTracker(Config{})
	a, b := id(1), id(2)
	tr.ReportReady(a)
	tr.ReportReady(b)
	tr.ReportChainTime(a, 100)
	tr.ReportChainTime(b, 200)

	best, ts, ok := tr.Best()
	if !ok || best != b || ts != 200 {
		t.Fatalf("Best() = (%v, %d, %v), want (%v, 200, true)", best, ts, ok, b)
	}
}
