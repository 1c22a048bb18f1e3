package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	c := reg.Counter("test_ops_total")
	c.Inc()
	c.Add(4)

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "test_ops_total 5") {
		t.Errorf("output missing counter: %s", buf.String())
	}

	// Same name resolves to the same counter.
	if reg.Counter("test_ops_total") != c {
		t.Error("Counter with the same name returned a different instance")
	}
}

func TestCounterWithLabelsStableIdentity(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	a := reg.CounterWithLabels("test_cf_ops", map[string]string{"cf": "default", "op": "get"})
	b := reg.CounterWithLabels("test_cf_ops", map[string]string{"op": "get", "cf": "default"})
	if a != b {
		t.Fatal("label order changed the metric identity")
	}
	a.Inc()

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), `test_cf_ops{cf="default",op="get"} 1`) {
		t.Errorf("output missing labeled counter: %s", buf.String())
	}
}

func TestGaugeCallback(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	value := 7.0
	reg.Gauge("test_gauge", func() float64 { return value })

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "test_gauge 7") {
		t.Errorf("output missing gauge: %s", buf.String())
	}
}

func TestHistogram(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	h := reg.Histogram("test_latency_seconds")
	h.Update(0.5)

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "test_latency_seconds") {
		t.Errorf("output missing histogram: %s", buf.String())
	}
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	defer a.Close()
	b := NewRegistry()
	defer b.Close()

	a.Counter("only_in_a").Inc()

	var buf bytes.Buffer
	b.WritePrometheus(&buf)
	if strings.Contains(buf.String(), "only_in_a") {
		t.Error("metric leaked between registries")
	}
}

func TestCloseUnregisters(t *testing.T) {
	reg := NewRegistry()
	reg.Counter("doomed_total").Inc()
	reg.Close()

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	if strings.Contains(buf.String(), "doomed_total") {
		t.Error("metric survived Close")
	}
}
