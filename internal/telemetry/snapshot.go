package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Patch is one decoded feed message. A key absent from a map means the field
// is unchanged by this message.
type Patch struct {
	Metrics map[string]float64
	Flags   map[string]bool
	Devices map[string]bool
}

// Empty reports whether the patch carries nothing to merge.
func (p Patch) Empty() bool {
	return len(p.Metrics) == 0 && len(p.Flags) == 0 && len(p.Devices) == 0
}

type wireMessage struct {
	Sensors  map[string]json.RawMessage `json:"sensors"`
	Controls map[string]json.RawMessage `json:"controls"`
	Fan      json.RawMessage            `json:"fan"`
	Leds     json.RawMessage            `json:"leds"`
	Lights   json.RawMessage            `json:"Lights"`
}

// DecodePatch parses a feed message of the form
// {"sensors": {...}, "controls": {...}, "fan": ..., "leds": [...], "Lights": [...]}.
func DecodePatch(data []byte) (Patch, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Patch{}, fmt.Errorf("decode feed message: %w", err)
	}

	patch := Patch{
		Metrics: make(map[string]float64),
		Flags:   make(map[string]bool),
		Devices: make(map[string]bool),
	}

	for name, raw := range msg.Sensors {
		if isNull(raw) {
			continue
		}
		var num float64
		if err := json.Unmarshal(raw, &num); err == nil {
			patch.Metrics[name] = num
			continue
		}
		var flag bool
		if err := json.Unmarshal(raw, &flag); err == nil {
			patch.Flags[name] = flag
		}
	}

	top := map[string]json.RawMessage{}
	if len(msg.Fan) > 0 {
		top["fan"] = msg.Fan
	}
	if len(msg.Leds) > 0 {
		top["leds"] = msg.Leds
	}
	if len(msg.Lights) > 0 {
		top["Lights"] = msg.Lights
	}
	collectDevices(patch.Devices, top)
	collectDevices(patch.Devices, msg.Controls)

	return patch, nil
}

// collectDevices merges switch states into dst. A device reported on by any
// field of the same message is on.
func collectDevices(dst map[string]bool, fields map[string]json.RawMessage) {
	for name, raw := range fields {
		if isNull(raw) {
			continue
		}
		var on bool
		if err := json.Unmarshal(raw, &on); err == nil {
			mergeDevice(dst, name, on)
			continue
		}
		var list []*bool
		if err := json.Unmarshal(raw, &list); err != nil {
			continue
		}
		prefix := devicePrefix(name)
		for i, v := range list {
			if v == nil {
				continue
			}
			mergeDevice(dst, prefix+strconv.Itoa(i), *v)
		}
	}
}

func mergeDevice(dst map[string]bool, name string, on bool) {
	dst[name] = dst[name] || on
}

func devicePrefix(field string) string {
	switch strings.ToLower(field) {
	case "leds", "lights":
		return "light"
	default:
		return strings.ToLower(field)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Snapshot is the last-known full state of a location's feed.
type Snapshot struct {
	LocationID string             `json:"locationId"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	Messages   uint64             `json:"messages"`
	Metrics    map[string]float64 `json:"metrics"`
	Flags      map[string]bool    `json:"flags"`
	Devices    map[string]bool    `json:"devices"`
}

// NewSnapshot returns an empty snapshot for a location.
func NewSnapshot(locationID string) Snapshot {
	return Snapshot{
		LocationID: locationID,
		Metrics:    make(map[string]float64),
		Flags:      make(map[string]bool),
		Devices:    make(map[string]bool),
	}
}

// Apply merges a patch; fields the patch does not mention keep their values.
func (s *Snapshot) Apply(p Patch, at time.Time) {
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}
	if s.Flags == nil {
		s.Flags = make(map[string]bool)
	}
	if s.Devices == nil {
		s.Devices = make(map[string]bool)
	}
	for k, v := range p.Metrics {
		s.Metrics[k] = v
	}
	for k, v := range p.Flags {
		s.Flags[k] = v
	}
	for k, v := range p.Devices {
		s.Devices[k] = v
	}
	s.UpdatedAt = at
	s.Messages++
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Metrics = make(map[string]float64, len(s.Metrics))
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	out.Flags = make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	out.Devices = make(map[string]bool, len(s.Devices))
	for k, v := range s.Devices {
		out.Devices[k] = v
	}
	return out
}

// Sample converts the numeric part of the snapshot into a Sample.
func (s Snapshot) Sample() Sample {
	return NewSample(s.UpdatedAt, s.Metrics)
}
