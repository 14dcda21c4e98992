package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveFrameErrorIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveFrameError("mac_failure")
	c.ObserveFrameError("mac_failure")
	c.ObserveFrameError("queue_full")

	if got := testutil.ToFloat64(c.FrameErrors.WithLabelValues("mac_failure")); got != 2 {
		t.Fatalf("mac_failure count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.FrameErrors.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("queue_full count = %v, want 1", got)
	}
}

func TestGaugesStartAtZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	for name, g := range map[string]prometheus.Gauge{
		"send_buffer_depth":  c.SendBufferDepth,
		"maint_buffer_depth": c.MaintBufferDepth,
		"piggyback_pending":  c.PiggybackPending,
		"link_cache_degree":  c.LinkCacheDegree,
	} {
		if got := testutil.ToFloat64(g); got != 0 {
			t.Fatalf("%s = %v, want 0", name, got)
		}
	}

	c.SendBufferDepth.Set(3)
	if got := testutil.ToFloat64(c.SendBufferDepth); got != 3 {
		t.Fatalf("SendBufferDepth = %v, want 3", got)
	}
}

func TestAcksReceivedLabelsBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.AcksReceived.WithLabelValues("fast_path").Inc()
	c.AcksReceived.WithLabelValues("passive").Inc()
	c.AcksReceived.WithLabelValues("passive").Inc()

	if got := testutil.ToFloat64(c.AcksReceived.WithLabelValues("fast_path")); got != 1 {
		t.Fatalf("fast_path = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.AcksReceived.WithLabelValues("passive")); got != 2 {
		t.Fatalf("passive = %v, want 2", got)
	}
}

func TestRegisteringTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering duplicate collectors on the same registry")
		}
	}()
	New(reg)
}
