package cost

import (
	"math"

	"github.com/shopspring/decimal"
)

var wattsPerKilowatt = decimal.NewFromInt(1000)

// Units converts on-time and power rating into energy units (kWh).
func Units(totalHours, powerWatts float64) decimal.Decimal {
	return clamp(totalHours).Mul(clamp(powerWatts)).Div(wattsPerKilowatt)
}

// Cost prices the energy used at ratePerUnit per kWh.
func Cost(totalHours, powerWatts, ratePerUnit float64) decimal.Decimal {
	return Units(totalHours, powerWatts).Mul(clamp(ratePerUnit))
}

// clamp maps negative and non-finite inputs to zero.
func clamp(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// Class is the power rating shared by a kind of device.
type Class struct {
	Name       string
	PowerWatts float64
}

// Snapshot is the derived energy cost of one device.
type Snapshot struct {
	DeviceID string          `json:"deviceId"`
	Class    string          `json:"class"`
	Hours    float64         `json:"hours"`
	Units    decimal.Decimal `json:"units"`
	Cost     decimal.Decimal `json:"cost"`
}

// Total aggregates snapshots.
type Total struct {
	Units decimal.Decimal `json:"units"`
	Cost  decimal.Decimal `json:"cost"`
}

// Model prices devices by class at a single tariff.
type Model struct {
	ratePerUnit float64
	classes     map[string]Class
	devices     map[string]string
}

// NewModel builds a model. devices maps device IDs to class names.
func NewModel(ratePerUnit float64, classes []Class, devices map[string]string) *Model {
	m := &Model{
		ratePerUnit: ratePerUnit,
		classes:     make(map[string]Class, len(classes)),
		devices:     make(map[string]string, len(devices)),
	}
	for _, c := range classes {
		m.classes[c.Name] = c
	}
	for id, class := range devices {
		m.devices[id] = class
	}
	return m
}

func (m *Model) RatePerUnit() float64 { return m.ratePerUnit }

// ClassOf resolves a device's class. Unlisted devices fall back to a class
// named after the device ID with its trailing digits removed ("light3" → "light").
func (m *Model) ClassOf(deviceID string) (Class, bool) {
	if name, ok := m.devices[deviceID]; ok {
		c, found := m.classes[name]
		return c, found
	}
	trimmed := deviceID
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] >= '0' && trimmed[len(trimmed)-1] <= '9' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	c, ok := m.classes[trimmed]
	return c, ok
}

// Snapshot prices one device's accumulated hours. Devices of unknown class
// cost nothing.
func (m *Model) Snapshot(deviceID string, totalHours float64) Snapshot {
	snap := Snapshot{DeviceID: deviceID, Hours: totalHours, Units: decimal.Zero, Cost: decimal.Zero}
	class, ok := m.ClassOf(deviceID)
	if !ok {
		return snap
	}
	snap.Class = class.Name
	snap.Units = Units(totalHours, class.PowerWatts)
	snap.Cost = Cost(totalHours, class.PowerWatts, m.ratePerUnit)
	return snap
}

// Sum adds up snapshots.
func Sum(snaps []Snapshot) Total {
	total := Total{Units: decimal.Zero, Cost: decimal.Zero}
	for _, s := range snaps {
		total.Units = total.Units.Add(s.Units)
		total.Cost = total.Cost.Add(s.Cost)
	}
	return total
}
