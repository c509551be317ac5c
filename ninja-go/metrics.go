package ninja_go

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// / The primary interface to metrics.  Use defer METRIC_RECORD("foobar")()
// / at the top of a function to get timing stats recorded for each call of
// / the function.
func METRIC_RECORD(name string) func() {
	m := GMetrics
	if m == nil {
		return func() {}
	}
	metric := m.NewMetric(name)
	start := time.Now()
	return func() {
		m.mu.Lock()
		metric.count++
		metric.sum += time.Since(start)
		m.mu.Unlock()
	}
}

// GMetrics is non-nil only under -d stats.
var GMetrics *Metrics

type Metric struct {
	name string
	/// Number of times we've hit the code path.
	count int
	/// Total time we've spent on the code path.
	sum time.Duration
}

type Metrics struct {
	mu      sync.Mutex
	byName  map[string]*Metric
	metrics []*Metric
}

func NewMetrics() *Metrics {
	return &Metrics{byName: map[string]*Metric{}}
}

// NewMetric returns the metric registered under name, creating it on first
// use so repeated calls accumulate into one row.
func (m *Metrics) NewMetric(name string) *Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	if metric, ok := m.byName[name]; ok {
		return metric
	}
	metric := &Metric{name: name}
	m.byName[name] = metric
	m.metrics = append(m.metrics, metric)
	return metric
}

// / Print a summary report to w.
func (m *Metrics) Report(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	width := 0
	for _, metric := range m.metrics {
		width = max(len(metric.name), width)
	}

	fmt.Fprintf(w, "%-*s\t%-6s\t%-9s\t%s\n", width,
		"metric", "count", "avg (us)", "total (ms)")
	for _, metric := range m.metrics {
		micros := metric.sum.Microseconds()
		total := float64(micros) / 1000
		avg := 0.0
		if metric.count > 0 {
			avg = float64(micros) / float64(metric.count)
		}
		fmt.Fprintf(w, "%-*s\t%-6d\t%-8.1f\t%.1f\n", width, metric.name, metric.count, avg, total)
	}
}

// / A simple stopwatch which returns the time
// / in seconds since Restart() was called.
type Stopwatch struct {
	started time.Time
}

func (s *Stopwatch) Restart() { s.started = time.Now() }

// / Seconds since Restart() call.
func (s *Stopwatch) Elapsed() float64 { return time.Since(s.started).Seconds() }

func GetTimeMillis() int64 {
	return time.Now().UnixMilli()
}
