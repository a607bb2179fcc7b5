package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric.
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric is one recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector accumulates step counters and timings for one orchestrator run
// and flushes them to the log at process exit.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a collector. A disabled collector discards everything.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter increments a counter metric.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration measurement.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// GetMetrics returns a copy of current metrics.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Flush writes accumulated metrics to the log and clears the collection.
func (c *Collector) Flush() {
	c.mu.Lock()
	metrics := make([]Metric, len(c.metrics))
	copy(metrics, c.metrics)
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("metric")
	}
}

// Global collector instance, wired up by the CLI entry point.
var globalCollector *Collector

// InitGlobal initializes the global collector.
func InitGlobal(enabled bool) {
	globalCollector = NewCollector(enabled)
}

// GetGlobal returns the global collector.
func GetGlobal() *Collector {
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector.
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// TimerGlobal records a timer using the global collector.
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown flushes the global collector.
func Shutdown() {
	if globalCollector != nil {
		globalCollector.Flush()
	}
}
