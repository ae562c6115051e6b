package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.IncrementRequests()
	m.IncrementRequests()
	m.IncrementErrors()

	if got := m.GetRequests(); got != 2 {
		t.Errorf("GetRequests() = %d, want 2", got)
	}
	if got := m.GetErrors(); got != 1 {
		t.Errorf("GetErrors() = %d, want 1", got)
	}
	if m.GetLastRequest() == 0 {
		t.Error("GetLastRequest() = 0, want a recorded unix timestamp")
	}
}

func TestPackageLevelDefault(t *testing.T) {
	before := Default.GetRequests()
	IncrementRequests()
	if got := Default.GetRequests(); got != before+1 {
		t.Errorf("Default.GetRequests() = %d, want %d", got, before+1)
	}

	beforeErrs := Default.GetErrors()
	IncrementErrors()
	if got := Default.GetErrors(); got != beforeErrs+1 {
		t.Errorf("Default.GetErrors() = %d, want %d", got, beforeErrs+1)
	}
}
