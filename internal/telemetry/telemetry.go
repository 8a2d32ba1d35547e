// Package telemetry aggregates process metrics in memory and renders them in
// the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one aggregated series. Histograms and timers keep a running
// count and sum; Value holds the last observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     uint64            `json:"count,omitempty"`
	Sum       float64           `json:"sum,omitempty"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector manages telemetry collection
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
	now     func() time.Time
}

// NewCollector creates a new telemetry collector. A disabled collector drops
// every observation.
func NewCollector(enabled bool) *Collector {
	return &Collector{
		series:  map[string]*Metric{},
		enabled: enabled,
		now:     time.Now,
	}
}

func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.observe(name, Counter, "", value, labels)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.observe(name, Gauge, "", value, labels)
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.observe(name, Histogram, "", value, labels)
}

// Timer records a duration in seconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.observe(name, Timer, "seconds", duration.Seconds(), labels)
}

func (c *Collector) observe(name string, typ MetricType, unit string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Unit: unit, Labels: copyLabels(labels)}
		c.series[key] = m
	}
	m.Timestamp = c.now()
	switch typ {
	case Counter:
		m.Value += value
	case Gauge:
		m.Value = value
	default:
		m.Value = value
		m.Count++
		m.Sum += value
	}
}

func seriesKey(name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetMetrics returns a snapshot of every series ordered by name and labels.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.series[k]
		m.Labels = copyLabels(m.Labels)
		result = append(result, m)
	}
	c.mu.RUnlock()
	return result
}

// Get returns the series for name and labels, if recorded.
func (c *Collector) Get(name string, labels map[string]string) (Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.series[seriesKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// WritePrometheus renders every series in the text exposition format.
// Timers and histograms are exported as summaries (_count and _sum).
func (c *Collector) WritePrometheus(w io.Writer) error {
	var lastName string
	for _, m := range c.GetMetrics() {
		name := m.Name
		if m.Unit != "" && !strings.HasSuffix(name, "_"+m.Unit) {
			name += "_" + m.Unit
		}
		labels := formatLabels(m.Labels)
		if name != lastName {
			typ := string(m.Type)
			if m.Type == Timer || m.Type == Histogram {
				typ = "summary"
			}
			if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, typ); err != nil {
				return err
			}
			lastName = name
		}
		var err error
		switch m.Type {
		case Counter, Gauge:
			_, err = fmt.Fprintf(w, "%s%s %g\n", name, labels, m.Value)
		default:
			_, err = fmt.Fprintf(w, "%s_count%s %d\n%s_sum%s %g\n", name, labels, m.Count, name, labels, m.Sum)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(labels[k])
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// LogMetrics writes every series to the debug log.
func (c *Collector) LogMetrics() {
	for _, m := range c.GetMetrics() {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Uint64("count", m.Count).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}
