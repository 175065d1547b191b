package telemetry

import (
	"sort"
	"time"
)

// Well-known metric names reported by the room controllers.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
)

// Sample is one point-in-time reading of one or more metrics. Samples are
// never mutated after construction.
type Sample struct {
	Timestamp time.Time
	metrics   map[string]float64
}

// NewSample copies values into a new Sample.
func NewSample(ts time.Time, values map[string]float64) Sample {
	metrics := make(map[string]float64, len(values))
	for k, v := range values {
		metrics[k] = v
	}
	return Sample{Timestamp: ts, metrics: metrics}
}

// Value returns the reading for metric, if present.
func (s Sample) Value(metric string) (float64, bool) {
	v, ok := s.metrics[metric]
	return v, ok
}

// Metrics returns the sorted metric names present in the sample.
func (s Sample) Metrics() []string {
	names := make([]string, 0, len(s.metrics))
	for k := range s.metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the sample's readings.
func (s Sample) Values() map[string]float64 {
	out := make(map[string]float64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}
