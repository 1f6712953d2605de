package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Relay("group", nil)
	m.CacheHit()
	m.CacheMiss()
	m.USyncQuery()
	m.SessionFetch(2)
	m.SenderKeyDistribution(3)
	m.MediaConnRefresh()
	m.Receipt("read")
	m.MediaRetry("success")
}

// counterValue finds a gathered counter by name and label values.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Relay("user", nil)
	m.Relay("user", errors.New("x"))
	m.Relay("user", nil)
	m.SenderKeyDistribution(4)

	if got := counterValue(t, reg, "phoenix_relay_total", map[string]string{"kind": "user", "outcome": "ok"}); got != 2 {
		t.Errorf("ok relays: got %v, want 2", got)
	}
	if got := counterValue(t, reg, "phoenix_relay_total", map[string]string{"kind": "user", "outcome": "error"}); got != 1 {
		t.Errorf("failed relays: got %v, want 1", got)
	}
	if got := counterValue(t, reg, "phoenix_sender_key_distributions_total", nil); got != 4 {
		t.Errorf("distributions: got %v, want 4", got)
	}
}

func TestNewWithoutRegisterer(t *testing.T) {
	m := New(nil)
	m.CacheHit()
	// registering a second set on a fresh registry must not collide
	New(prometheus.NewRegistry())
}
