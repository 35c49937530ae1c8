// Package metrics exposes the EDR runtime's Prometheus metrics. Counters,
// gauges and histograms are client_golang collectors registered on a
// Registry; the node command serves them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "edr"

// Timer records the elapsed duration, in seconds, into an observer when
// stopped.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer that records into o when stopped.
func NewTimer(o prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: o}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(d.Seconds())
	}
	return d
}
