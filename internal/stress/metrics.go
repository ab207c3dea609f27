package stress

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const (
	opsTotalMetricName        = "qsync_stress_ops_total"
	stopsTotalMetricName      = "qsync_stress_stops_total"
	violationsTotalMetricName = "qsync_stress_violations_total"
	opDurationMetricName      = "qsync_stress_op_duration_seconds"
)

// Metrics collects per-scenario counters in a private set so several runs
// can coexist in one process.
type Metrics struct {
	set *metrics.Set
}

func NewMetrics() *Metrics {
	return &Metrics{set: metrics.NewSet()}
}

func metricName(name, scenario string) string {
	return fmt.Sprintf(`%s{scenario=%q}`, name, scenario)
}

// Op records one completed operation.
func (m *Metrics) Op(scenario string, start time.Time) {
	m.set.GetOrCreateCounter(metricName(opsTotalMetricName, scenario)).Inc()
	m.set.GetOrCreateHistogram(metricName(opDurationMetricName, scenario)).UpdateDuration(start)
}

// Stop records an operation abandoned because the run was winding down.
func (m *Metrics) Stop(scenario string) {
	m.set.GetOrCreateCounter(metricName(stopsTotalMetricName, scenario)).Inc()
}

// Violation records a broken invariant.
func (m *Metrics) Violation(scenario string) {
	m.set.GetOrCreateCounter(metricName(violationsTotalMetricName, scenario)).Inc()
}

// Ops returns the number of completed operations of scenario.
func (m *Metrics) Ops(scenario string) uint64 {
	return m.set.GetOrCreateCounter(metricName(opsTotalMetricName, scenario)).Get()
}

// Violations returns the number of violations recorded for scenario.
func (m *Metrics) Violations(scenario string) uint64 {
	return m.set.GetOrCreateCounter(metricName(violationsTotalMetricName, scenario)).Get()
}

// WritePrometheus writes the run metrics followed by process metrics.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}
