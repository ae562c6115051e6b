package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tonfoundation/liteproxy/internal/identity"
)

func newTestLimiter(t *testing.T) (*Limiter, *identity.Registrar) {
	t.Helper()
	reg := identity.NewRegistrar()
	dbPath := filepath.Join(t.TempDir(), "ratelimit.db")
	l, err := NewLimiter(Config{DBPath: dbPath}, reg)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, reg
}

func pub(b byte) identity.PubKey {
	var p identity.PubKey
	p[0] = b
	return p
}

func TestAddUserThenAdmit(t *testing.T) {
	l, _ := newTestLimiter(t)
	p := pub(1)
	now := time.Now().Unix()

	if _, err := l.AddUser(p, now+3600, 2); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if got := l.Admit(p, now); got != AdmissionOk {
		t.Fatalf("admit 1 = %v, want Ok", got)
	}
	if got := l.Admit(p, now); got != AdmissionOk {
		t.Fatalf("admit 2 = %v, want Ok", got)
	}
	if got := l.Admit(p, now); got != AdmissionOverBudget {
		t.Fatalf("admit 3 = %v, want OverBudget", got)
	}
}

func TestAdmitUnknownAndExpired(t *testing.T) {
	l, _ := newTestLimiter(t)
	now := time.Now().Unix()

	if got := l.Admit(pub(9), now); got != AdmissionUnknown {
		t.Fatalf("admit unknown = %v, want Unknown", got)
	}

	p := pub(2)
	if _, err := l.AddUser(p, now-10, 5); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if got := l.Admit(p, now); got != AdmissionExpired {
		t.Fatalf("admit expired = %v, want Expired", got)
	}
}

func TestValidUntilEqualNowIsNotExpired(t *testing.T) {
	l, _ := newTestLimiter(t)
	now := time.Now().Unix()
	p := pub(3)
	if _, err := l.AddUser(p, now, 1); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if got := l.Admit(p, now); got != AdmissionOk {
		t.Fatalf("admit at exact valid_until = %v, want Ok", got)
	}
}

func TestResetWindowClearsUsage(t *testing.T) {
	l, _ := newTestLimiter(t)
	now := time.Now().Unix()
	p := pub(4)
	if _, err := l.AddUser(p, now+3600, 1); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	l.Admit(p, now)
	if got := l.Admit(p, now); got != AdmissionOverBudget {
		t.Fatalf("expected over budget before reset, got %v", got)
	}
	l.ResetWindow()
	if got := l.Admit(p, now); got != AdmissionOk {
		t.Fatalf("expected Ok after window reset, got %v", got)
	}
}

func TestRehydrateAcrossProcessRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ratelimit.db")
	now := time.Now().Unix()
	p := pub(5)

	reg1 := identity.NewRegistrar()
	l1, err := NewLimiter(Config{DBPath: dbPath}, reg1)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	if _, err := l1.AddUser(p, now+3600, 10); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reg2 := identity.NewRegistrar()
	l2, err := NewLimiter(Config{DBPath: dbPath}, reg2)
	if err != nil {
		t.Fatalf("reopen NewLimiter: %v", err)
	}
	defer l2.Close()

	if err := l2.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if !reg2.IsRegistered(p) {
		t.Fatalf("expected pubkey registered after rehydrate")
	}
	if got := l2.Admit(p, now); got != AdmissionOk {
		t.Fatalf("admit after rehydrate = %v, want Ok", got)
	}
}

func TestRehydrateIdempotent(t *testing.T) {
	l, reg := newTestLimiter(t)
	now := time.Now().Unix()
	p := pub(6)
	if _, err := l.AddUser(p, now+3600, 3); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := l.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate 1: %v", err)
	}
	if err := l.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate 2: %v", err)
	}
	if !reg.IsRegistered(p) {
		t.Fatalf("expected registration to survive repeated rehydrate")
	}
}

func TestExpiredUserSkippedOnRehydrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ratelimit.db")
	now := time.Now().Unix()
	p := pub(7)

	reg1 := identity.NewRegistrar()
	l1, _ := NewLimiter(Config{DBPath: dbPath}, reg1)
	l1.AddUser(p, now-100, 1)
	l1.Close()

	reg2 := identity.NewRegistrar()
	l2, _ := NewLimiter(Config{DBPath: dbPath}, reg2)
	defer l2.Close()
	l2.Rehydrate()

	if reg2.IsRegistered(p) {
		t.Fatalf("expired user must not be registered on rehydrate")
	}
}
