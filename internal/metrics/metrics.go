package metrics

import (
	"fmt"
	"io"
	"sort"

	vm "github.com/VictoriaMetrics/metrics"
)

// Registry is an explicitly constructed metrics registry. Nothing here
// touches process-wide state: every engine (and every test) gets its own
// instance with a defined init/teardown, and an exporter scrapes whichever
// registries it was handed.
type Registry struct {
	set *vm.Set
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{set: vm.NewSet()}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *vm.Counter {
	return r.set.GetOrCreateCounter(name)
}

// CounterWithLabels returns a counter with the given label pairs.
func (r *Registry) CounterWithLabels(name string, labels map[string]string) *vm.Counter {
	return r.set.GetOrCreateCounter(withLabels(name, labels))
}

// Gauge registers a callback-backed gauge. The callback must be safe to call
// from any goroutine.
func (r *Registry) Gauge(name string, f func() float64) *vm.Gauge {
	return r.set.GetOrCreateGauge(name, f)
}

// GaugeWithLabels registers a callback-backed gauge with label pairs.
func (r *Registry) GaugeWithLabels(name string, labels map[string]string, f func() float64) *vm.Gauge {
	return r.set.GetOrCreateGauge(withLabels(name, labels), f)
}

// Histogram returns the named histogram, creating it on first use.
func (r *Registry) Histogram(name string) *vm.Histogram {
	return r.set.GetOrCreateHistogram(name)
}

// WritePrometheus dumps the registry in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}

// Close unregisters everything. After Close the registry must not be used.
func (r *Registry) Close() {
	r.set.UnregisterAllMetrics()
}

// withLabels renders a stable metric identity; label order must not depend
// on map iteration or the same metric would register twice.
func withLabels(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name + "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%q", k, labels[k])
	}
	return out + "}"
}
