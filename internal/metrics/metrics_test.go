package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdateSlotStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateSlotStats("primary", 3, 5)
	if v := getGaugeValue(c.slotsActive.WithLabelValues("primary")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}
	if v := getGaugeValue(c.slotsIdle.WithLabelValues("primary")); v != 5 {
		t.Errorf("expected idle=5, got %v", v)
	}

	// A second call replaces (not increments) the value.
	c.UpdateSlotStats("primary", 2, 4)
	if v := getGaugeValue(c.slotsActive.WithLabelValues("primary")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("primary", 50*time.Millisecond)
	c.TransactionCompleted("primary", 100*time.Millisecond)

	val := getCounterValue(c.transactionsTotal.WithLabelValues("primary"))
	if val != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", val)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "pgagroal_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("primary", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "pgagroal_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestRollbackIssued(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RollbackIssued("primary")
	c.RollbackIssued("primary")

	val := getCounterValue(c.rollbacksTotal.WithLabelValues("primary"))
	if val != 2 {
		t.Errorf("expected rollbacks=2, got %v", val)
	}
}

func TestFailoverCount(t *testing.T) {
	c, _ := newTestCollector(t)

	c.FailoverCount("primary")

	val := getCounterValue(c.failoversTotal.WithLabelValues("primary"))
	if val != 1 {
		t.Errorf("expected failovers=1, got %v", val)
	}
}

func TestServerFatal(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ServerFatal("primary")
	c.ServerFatal("primary")
	c.ServerFatal("primary")

	val := getCounterValue(c.serverFatalTotal.WithLabelValues("primary"))
	if val != 3 {
		t.Errorf("expected server fatal=3, got %v", val)
	}
}

func TestSlotReturnFailed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SlotReturnFailed("primary")

	val := getCounterValue(c.slotReturnFailures.WithLabelValues("primary"))
	if val != 1 {
		t.Errorf("expected slot return failures=1, got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("primary")
	c.PoolExhausted("primary")
	c.PoolExhausted("primary")

	val := getCounterValue(c.poolExhaustedTotal.WithLabelValues("primary"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestSetServerHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetServerHealth("primary", true)
	if v := getGaugeValue(c.serverHealthy.WithLabelValues("primary")); v != 1 {
		t.Errorf("expected healthy=1, got %v", v)
	}

	c.SetServerHealth("primary", false)
	if v := getGaugeValue(c.serverHealthy.WithLabelValues("primary")); v != 0 {
		t.Errorf("expected healthy=0, got %v", v)
	}
}

func TestRemoveServer(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdateSlotStats("primary", 1, 2)
	c.TransactionCompleted("primary", time.Millisecond)
	c.PoolExhausted("primary")

	c.RemoveServer("primary")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "server" && l.GetValue() == "primary" {
					t.Errorf("metric %s still has primary label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleServers(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateSlotStats("primary", 1, 0)
	c.UpdateSlotStats("replica", 2, 1)

	v1 := getGaugeValue(c.slotsActive.WithLabelValues("primary"))
	v2 := getGaugeValue(c.slotsActive.WithLabelValues("replica"))

	if v1 != 1 {
		t.Errorf("expected primary active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected replica active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdateSlotStats("primary", 1, 0)
	c2.UpdateSlotStats("primary", 2, 0)

	v1 := getGaugeValue(c1.slotsActive.WithLabelValues("primary"))
	v2 := getGaugeValue(c2.slotsActive.WithLabelValues("primary"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
