package threshold

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomwatch/internal/telemetry"
)

// Policy decides what an acknowledgement does while a metric is still above
// its threshold.
type Policy string

const (
	// SuppressUntilDrop keeps the metric quiet until it falls to or below the
	// threshold and crosses again.
	SuppressUntilDrop Policy = "suppress_until_drop"
	// RefireOnAck re-arms the metric so the next sample above the threshold
	// raises a new alert.
	RefireOnAck Policy = "refire_on_ack"
)

// ParsePolicy accepts the configuration spelling of a policy.
func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", SuppressUntilDrop:
		return SuppressUntilDrop, nil
	case RefireOnAck:
		return RefireOnAck, nil
	default:
		return "", fmt.Errorf("unknown alert policy %q", v)
	}
}

// AlertEvent is raised on a rising edge of a metric across its threshold.
type AlertEvent struct {
	ID         string    `json:"id"`
	LocationID string    `json:"locationId"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	RaisedAt   time.Time `json:"raisedAt"`
}

// Evaluate reports a rising edge: previous at or below, current above.
func Evaluate(previous, current, threshold float64) bool {
	return previous <= threshold && current > threshold
}

type metricState struct {
	prev    float64
	seen    bool
	rearmed bool
	live    *AlertEvent
}

// Monitor evaluates every metric of a location independently.
type Monitor struct {
	locationID string
	policy     Policy
	thresholds map[string]float64
	state      map[string]*metricState
	newID      func() string
}

// NewMonitor builds a monitor for one location.
func NewMonitor(locationID string, thresholds map[string]float64, policy Policy) *Monitor {
	m := &Monitor{
		locationID: locationID,
		policy:     policy,
		thresholds: make(map[string]float64, len(thresholds)),
		state:      make(map[string]*metricState),
		newID:      uuid.NewString,
	}
	for k, v := range thresholds {
		m.thresholds[k] = v
	}
	return m
}

// Observe feeds one sample and returns the alerts it raised.
func (m *Monitor) Observe(sample telemetry.Sample) []AlertEvent {
	var raised []AlertEvent
	for _, name := range sample.Metrics() {
		cur, _ := sample.Value(name)
		if math.IsNaN(cur) {
			continue
		}
		st := m.metric(name)
		limit, watched := m.thresholds[name]
		if !watched {
			st.prev, st.seen = cur, true
			continue
		}

		prev := math.Inf(-1)
		if st.seen {
			prev = st.prev
		}
		fire := Evaluate(prev, cur, limit) || (st.rearmed && cur > limit)
		if cur <= limit {
			st.rearmed = false
		}
		st.prev, st.seen = cur, true

		if !fire {
			continue
		}
		st.rearmed = false
		ev := AlertEvent{
			ID:         m.newID(),
			LocationID: m.locationID,
			Metric:     name,
			Value:      cur,
			Threshold:  limit,
			RaisedAt:   sample.Timestamp,
		}
		st.live = &ev
		raised = append(raised, ev)
	}
	return raised
}

// Acknowledge clears the live alert for metric. It reports whether one was live.
func (m *Monitor) Acknowledge(metric string) bool {
	st, ok := m.state[metric]
	if !ok || st.live == nil {
		return false
	}
	st.live = nil
	if m.policy == RefireOnAck && st.seen && st.prev > m.thresholds[metric] {
		st.rearmed = true
	}
	return true
}

// Live returns the unacknowledged alerts ordered by metric name.
func (m *Monitor) Live() []AlertEvent {
	out := make([]AlertEvent, 0, len(m.state))
	for _, st := range m.state {
		if st.live != nil {
			out = append(out, *st.live)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// SetThreshold changes a metric's limit. The metric's edge history and live
// alert are dropped so the next sample is judged against the new limit only.
func (m *Monitor) SetThreshold(metric string, limit float64) {
	m.thresholds[metric] = limit
	delete(m.state, metric)
}

// Thresholds returns a copy of the configured limits.
func (m *Monitor) Thresholds() map[string]float64 {
	out := make(map[string]float64, len(m.thresholds))
	for k, v := range m.thresholds {
		out[k] = v
	}
	return out
}

func (m *Monitor) Policy() Policy { return m.policy }

func (m *Monitor) metric(name string) *metricState {
	st, ok := m.state[name]
	if !ok {
		st = &metricState{}
		m.state[name] = st
	}
	return st
}
