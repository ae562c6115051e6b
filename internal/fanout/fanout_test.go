package fanout

import (
	"encoding/json"
	"testing"
)

func TestFirstSuccessWins(t *testing.T) {
	var resolved json.RawMessage
	var resolveCount int
	ctx := NewContext(3, func(payload json.RawMessage, err error) {
		resolveCount++
		resolved = payload
	}, nil)

	ctx.OnPayload([]byte(`{"value":"A"}`))
	ctx.OnPayload([]byte(`{"code":228,"message":"Ratelimit"}`))
	ctx.OnTransportError()

	if resolveCount != 1 {
		t.Fatalf("resolve called %d times, want 1", resolveCount)
	}
	if string(resolved) != `{"value":"A"}` {
		t.Fatalf("resolved = %s, want A's payload", resolved)
	}
}

func TestRefireOnEligibleSoftErrorAsTerminatingReply(t *testing.T) {
	var refired bool
	var resolved bool
	ctx := NewContext(1, func(payload json.RawMessage, err error) {
		resolved = true
	}, func() {
		refired = true
	})

	// With only one reply outstanding, this soft error is the terminating
	// reply (remaining reaches 0), so it is eligible for refire escalation.
	ctx.OnPayload([]byte(`{"code":1,"message":"account state not found"}`))
	if !refired {
		t.Fatalf("expected refire to be requested")
	}
	if resolved {
		t.Fatalf("refire path must not resolve the promise")
	}

	// A later reply must be dropped: only the first outcome counts.
	ctx.OnPayload([]byte(`{"value":"late"}`))
	if resolved {
		t.Fatalf("late reply after refire must be dropped")
	}
}

func TestEligibleSoftErrorRememberedWhileRepliesOutstanding(t *testing.T) {
	var refired bool
	var resolvedPayload json.RawMessage
	ctx := NewContext(2, func(payload json.RawMessage, err error) {
		resolvedPayload = payload
	}, func() {
		refired = true
	})

	// One upstream is still outstanding: even though this message matches
	// the refire allow-list, the context must keep waiting rather than
	// abandon the other in-flight reply — only the terminating reply gets
	// to decide refire eligibility.
	ctx.OnPayload([]byte(`{"code":1,"message":"account state not found"}`))
	if refired {
		t.Fatalf("must not refire while another reply is outstanding")
	}
	if resolvedPayload != nil {
		t.Fatalf("must not resolve while another reply is outstanding")
	}

	// The other upstream answers successfully; it must win over the
	// remembered soft error.
	ctx.OnPayload([]byte(`{"value":"success"}`))
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(resolvedPayload, &out); err != nil {
		t.Fatalf("unmarshal: %v, body=%s", err, resolvedPayload)
	}
	if out.Value != "success" {
		t.Fatalf("resolved = %s, want the later success payload", resolvedPayload)
	}
	if refired {
		t.Fatalf("must not refire once a real success arrives")
	}
}

func TestEligibleSoftErrorRememberedThenLastReplyAlsoFails(t *testing.T) {
	var refired bool
	var resolvedPayload json.RawMessage
	ctx := NewContext(2, func(payload json.RawMessage, err error) {
		resolvedPayload = payload
	}, func() {
		refired = true
	})

	ctx.OnPayload([]byte(`{"code":1,"message":"account state not found"}`))
	ctx.OnTransportError()

	if refired {
		t.Fatalf("a transport error as the terminating reply must not trigger refire")
	}
	if resolvedPayload == nil {
		t.Fatalf("expected the remembered soft error to be used as the fallback")
	}
}

func TestAllTransportErrorsFallBack(t *testing.T) {
	var gotErr error
	ctx := NewContext(2, func(payload json.RawMessage, err error) {
		gotErr = err
	}, nil)

	ctx.OnTransportError()
	ctx.OnTransportError()

	if gotErr == nil {
		t.Fatalf("expected transport error fallback")
	}
}

func TestLastReplyPrefersRememberedSoftErrorOverTransport(t *testing.T) {
	var resolvedPayload json.RawMessage
	ctx := NewContext(2, func(payload json.RawMessage, err error) {
		resolvedPayload = payload
	}, nil)

	ctx.OnPayload([]byte(`{"code":5,"message":"temporarily unavailable"}`))
	ctx.OnTransportError()

	if resolvedPayload == nil {
		t.Fatalf("expected the remembered soft error to be used, got nil")
	}
}

func TestOnlyFirstResolveTakesEffect(t *testing.T) {
	calls := 0
	ctx := NewContext(1, func(payload json.RawMessage, err error) {
		calls++
	}, nil)
	ctx.OnPayload([]byte(`{"value":"A"}`))
	ctx.OnPayload([]byte(`{"value":"B"}`))
	if calls != 1 {
		t.Fatalf("resolve called %d times, want 1", calls)
	}
}
