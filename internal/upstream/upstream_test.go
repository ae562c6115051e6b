package upstream

import (
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	min := 100 * time.Millisecond
	max := 2 * time.Second
	for i := 0; i < 50; i++ {
		d := Backoff(min, max)
		if d < min {
			t.Fatalf("backoff %v below min %v", d, min)
		}
		if d > max+250*time.Millisecond {
			t.Fatalf("backoff %v exceeds max+jitter %v", d, max)
		}
	}
}

func TestBackoffMaxLessThanMin(t *testing.T) {
	min := 5 * time.Second
	max := 1 * time.Second
	if got := Backoff(min, max); got != min {
		t.Fatalf("Backoff(min>max) = %v, want %v", got, min)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.SendTimeoutMs != defaultSendTimeoutMs {
		t.Fatalf("SendTimeoutMs = %d, want %d", cfg.SendTimeoutMs, defaultSendTimeoutMs)
	}
	if cfg.ReadBuf != defaultReadBuf {
		t.Fatalf("ReadBuf = %d, want %d", cfg.ReadBuf, defaultReadBuf)
	}
}
