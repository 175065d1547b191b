package cost

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCostZeroHours(t *testing.T) {
	for _, p := range []float64{0, 40, 75, 2000} {
		for _, r := range []float64{0, 1, 7.15} {
			if c := Cost(0, p, r); !c.IsZero() {
				t.Fatalf("Cost(0, %v, %v) = %s, want 0", p, r, c)
			}
		}
	}
}

func TestCostMonotonicInHours(t *testing.T) {
	prev := decimal.Zero
	for h := 0.0; h <= 48; h += 0.25 {
		c := Cost(h, 75, 7.15)
		if c.LessThan(prev) {
			t.Fatalf("cost decreased at %v hours: %s < %s", h, c, prev)
		}
		prev = c
	}
}

func TestFanCost(t *testing.T) {
	units := Units(3, 75)
	if !units.Equal(decimal.RequireFromString("0.225")) {
		t.Fatalf("units = %s, want 0.225", units)
	}
	c := Cost(3, 75, 7.15)
	if !c.Equal(decimal.RequireFromString("1.60875")) {
		t.Fatalf("cost = %s, want 1.60875", c)
	}
}

func TestInvalidInputsAreZero(t *testing.T) {
	for _, h := range []float64{-1, math.NaN(), math.Inf(1)} {
		if c := Cost(h, 75, 7.15); !c.IsZero() {
			t.Fatalf("Cost(%v) = %s, want 0", h, c)
		}
	}
}

func TestModelSnapshotAndTotal(t *testing.T) {
	m := NewModel(7.15, []Class{{Name: "fan", PowerWatts: 75}, {Name: "light", PowerWatts: 40}}, map[string]string{"fan": "fan"})

	fan := m.Snapshot("fan", 2)
	if fan.Class != "fan" || !fan.Units.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("fan snapshot = %+v", fan)
	}

	light := m.Snapshot("light3", 5)
	if light.Class != "light" || !light.Units.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("light snapshot = %+v", light)
	}

	unknown := m.Snapshot("heater", 10)
	if unknown.Class != "" || !unknown.Cost.IsZero() {
		t.Fatalf("unknown device should be free, got %+v", unknown)
	}

	total := Sum([]Snapshot{fan, light, unknown})
	if !total.Units.Equal(decimal.RequireFromString("0.35")) {
		t.Fatalf("total units = %s", total.Units)
	}
	wantCost := decimal.RequireFromString("0.35").Mul(decimal.NewFromFloat(7.15))
	if !total.Cost.Equal(wantCost) {
		t.Fatalf("total cost = %s, want %s", total.Cost, wantCost)
	}
}
