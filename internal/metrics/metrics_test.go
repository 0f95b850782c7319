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

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for the pool gauges.
	c.UpdatePoolStats("/tmp/a.db", 3, 5, 8, 1)

	if v := getGaugeValue(c.poolActive.WithLabelValues("/tmp/a.db")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("/tmp/a.db", 2, 4, 6, 0)
	if v := getGaugeValue(c.poolActive.WithLabelValues("/tmp/a.db")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("/tmp/a.db", 5, 10, 15, 2)

	if v := getGaugeValue(c.poolActive.WithLabelValues("/tmp/a.db")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.poolIdle.WithLabelValues("/tmp/a.db")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.poolTotal.WithLabelValues("/tmp/a.db")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.poolWaiting.WithLabelValues("/tmp/a.db")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("/tmp/a.db", 5*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "selekt_acquire_duration_seconds" {
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

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("/tmp/a.db")
	c.PoolExhausted("/tmp/a.db")
	c.PoolExhausted("/tmp/a.db")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("/tmp/a.db")); v != 3 {
		t.Errorf("expected exhausted=3, got %v", v)
	}
}

func TestEvictionOccurred(t *testing.T) {
	c, _ := newTestCollector(t)

	c.EvictionOccurred("/tmp/a.db")
	c.EvictionOccurred("/tmp/a.db")

	if v := getCounterValue(c.evictionsTotal.WithLabelValues("/tmp/a.db")); v != 2 {
		t.Errorf("expected evictions=2, got %v", v)
	}
}

func TestPrimaryUniquenessViolation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PrimaryUniquenessViolation("/tmp/a.db")

	if v := getCounterValue(c.primaryUniquenessViolations.WithLabelValues("/tmp/a.db")); v != 1 {
		t.Errorf("expected violations=1, got %v", v)
	}
}

func TestStatementCacheHitAndMiss(t *testing.T) {
	c, _ := newTestCollector(t)

	c.StatementCacheMiss("/tmp/a.db")
	c.StatementCacheHit("/tmp/a.db")
	c.StatementCacheHit("/tmp/a.db")

	if v := getCounterValue(c.statementCacheMisses.WithLabelValues("/tmp/a.db")); v != 1 {
		t.Errorf("expected misses=1, got %v", v)
	}
	if v := getCounterValue(c.statementCacheHits.WithLabelValues("/tmp/a.db")); v != 2 {
		t.Errorf("expected hits=2, got %v", v)
	}
}

func TestParameterParserCalled(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ParameterParserCalled()
	c.ParameterParserCalled()
	c.ParameterParserCalled()

	if v := getCounterValue(c.parameterParses); v != 3 {
		t.Errorf("expected parameterParses=3, got %v", v)
	}
}

func TestKeyZeroised(t *testing.T) {
	c, _ := newTestCollector(t)

	c.KeyZeroised()

	if v := getCounterValue(c.keyZeroisationsTotal); v != 1 {
		t.Errorf("expected zeroisations=1, got %v", v)
	}
}

func TestSetDataSourceCacheSize(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetDataSourceCacheSize(4)
	if v := getGaugeValue(c.dataSourceCacheSize); v != 4 {
		t.Errorf("expected cache size=4, got %v", v)
	}

	c.SetDataSourceCacheSize(1)
	if v := getGaugeValue(c.dataSourceCacheSize); v != 1 {
		t.Errorf("expected cache size=1 after update, got %v", v)
	}
}

func TestRemoveCacheKey(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("/tmp/a.db", 1, 2, 3, 0)
	c.PoolExhausted("/tmp/a.db")
	c.EvictionOccurred("/tmp/a.db")

	c.RemoveCacheKey("/tmp/a.db")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "cache_key" && l.GetValue() == "/tmp/a.db" {
					t.Errorf("metric %s still has /tmp/a.db label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultiplePools(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("/tmp/a.db", 1, 0, 1, 0)
	c.UpdatePoolStats("/tmp/b.db?poolSize=4", 2, 1, 3, 0)

	v1 := getGaugeValue(c.poolActive.WithLabelValues("/tmp/a.db"))
	v2 := getGaugeValue(c.poolActive.WithLabelValues("/tmp/b.db?poolSize=4"))

	if v1 != 1 {
		t.Errorf("expected a.db active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected b.db active=2, got %v", v2)
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

	c1.UpdatePoolStats("/tmp/a.db", 1, 0, 1, 0)
	c2.UpdatePoolStats("/tmp/a.db", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.poolActive.WithLabelValues("/tmp/a.db"))
	v2 := getGaugeValue(c2.poolActive.WithLabelValues("/tmp/a.db"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
