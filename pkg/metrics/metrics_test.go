package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/ratelimit"
)

func TestNew(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}

	// Verify all metric fields are initialized
	if m.packetsTotal == nil {
		t.Error("packetsTotal not initialized")
	}
	if m.packetsDropped == nil {
		t.Error("packetsDropped not initialized")
	}
	if m.authDecisions == nil {
		t.Error("authDecisions not initialized")
	}
	if m.acctEvents == nil {
		t.Error("acctEvents not initialized")
	}
	if m.sessionsActive == nil {
		t.Error("sessionsActive not initialized")
	}
	if m.quotaDisconnects == nil {
		t.Error("quotaDisconnects not initialized")
	}
	if m.nasCacheHits == nil {
		t.Error("nasCacheHits not initialized")
	}
	if m.rateLimitDenied == nil {
		t.Error("rateLimitDenied not initialized")
	}
}

func TestRegister(t *testing.T) {
	// Use a new registry for isolation
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	err := m.Register()
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Register again should not fail (already registered is ignored)
	err = m.Register()
	if err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}
}

func TestHandler(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	handler := m.Handler()
	if handler == nil {
		t.Error("Expected non-nil handler")
	}
}

func TestRecordPacket(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic
	m.RecordPacket("Access-Request", "accept")
	m.RecordPacket("Accounting-Request", "ok")
}

func TestRecordDrop(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic
	m.RecordDrop("unknown_nas")
	m.RecordDrop("bad_authenticator")
}

func TestRecordAuthDecision(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic
	m.RecordAuthDecision("accept", "")
	m.RecordAuthDecision("reject", "Invalid credentials")
}

func TestRecordAcctEvent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic
	m.RecordAcctEvent("start")
	m.RecordAcctEvent("interim")
	m.RecordAcctEvent("stop")
}

func TestObserveHandleLatency(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic
	m.ObserveHandleLatency("1812", 0.002)
	m.ObserveHandleLatency("1813", 0.001)
}

func TestCollect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, nil, nil, nil, logger)

	// Should not panic even with nil references
	m.Collect()
}

func TestCollectDeltasArePerInstance(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	limiter := ratelimit.New(ratelimit.Config{MaxTokens: 1, RefillRate: 0.001})
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.1")

	m1 := New(nil, nil, nil, limiter, nil, logger)
	m1.Collect()
	if got := testutil.ToFloat64(m1.rateLimitDenied); got != 2 {
		t.Errorf("first instance denied counter = %v, want 2", got)
	}

	// A second instance over the same limiter starts from its own baseline
	// and must see the full cumulative count, not the remainder.
	m2 := New(nil, nil, nil, limiter, nil, logger)
	m2.Collect()
	if got := testutil.ToFloat64(m2.rateLimitDenied); got != 2 {
		t.Errorf("second instance denied counter = %v, want 2", got)
	}

	limiter.Allow("10.0.0.1")
	m1.Collect()
	if got := testutil.ToFloat64(m1.rateLimitDenied); got != 3 {
		t.Errorf("first instance denied counter after refresh = %v, want 3", got)
	}
}
