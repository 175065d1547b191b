package window

import (
	"sort"
	"time"

	"roomwatch/internal/telemetry"
)

// Point is one metric reading in a rolling series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series keeps the most recent readings of every metric seen, each capped at
// the same capacity.
type Series struct {
	capacity int
	metrics  map[string]*Buffer[Point]
}

// NewSeries creates an empty per-metric series set.
func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		panic("window capacity must be positive")
	}
	return &Series{capacity: capacity, metrics: make(map[string]*Buffer[Point])}
}

// Observe appends every metric of the sample to its series.
func (s *Series) Observe(sample telemetry.Sample) {
	for _, name := range sample.Metrics() {
		v, _ := sample.Value(name)
		buf, ok := s.metrics[name]
		if !ok {
			buf = NewBuffer[Point](s.capacity)
			s.metrics[name] = buf
		}
		buf.Push(Point{Timestamp: sample.Timestamp, Value: v})
	}
}

// Points returns a copy of one metric's series, oldest first.
func (s *Series) Points(metric string) []Point {
	buf, ok := s.metrics[metric]
	if !ok {
		return nil
	}
	return buf.Items()
}

// Snapshot copies every series.
func (s *Series) Snapshot() map[string][]Point {
	out := make(map[string][]Point, len(s.metrics))
	for name, buf := range s.metrics {
		out[name] = buf.Items()
	}
	return out
}

// Metrics lists the tracked metric names.
func (s *Series) Metrics() []string {
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Series) Capacity() int { return s.capacity }
