package session

import (
	"time"

	"roomwatch/internal/cost"
	"roomwatch/internal/usage"
)

// DeviceUsage is one ledger record with its derived cost.
type DeviceUsage struct {
	Record usage.Record  `json:"record"`
	Hours  float64       `json:"hours"`
	Cost   cost.Snapshot `json:"cost"`
}

// UsageReport prices every device's on-time.
type UsageReport struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	RatePerUnit float64       `json:"ratePerUnit"`
	Devices     []DeviceUsage `json:"devices"`
	Total       cost.Total    `json:"total"`
}

// BuildUsageReport reads the ledger and prices it. Hours include runs still
// in progress at now.
func BuildUsageReport(acc *usage.Accumulator, model *cost.Model, now time.Time) UsageReport {
	records := acc.Records()
	report := UsageReport{
		GeneratedAt: now,
		RatePerUnit: model.RatePerUnit(),
		Devices:     make([]DeviceUsage, 0, len(records)),
	}
	snaps := make([]cost.Snapshot, 0, len(records))
	for _, rec := range records {
		hours := acc.HoursAt(rec.DeviceID, now)
		snap := model.Snapshot(rec.DeviceID, hours)
		snaps = append(snaps, snap)
		report.Devices = append(report.Devices, DeviceUsage{Record: rec, Hours: hours, Cost: snap})
	}
	report.Total = cost.Sum(snaps)
	return report
}
