package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is the audit row of one raised threshold alert.
type AlertRecord struct {
	ID             int64
	AlertID        string
	LocationID     string
	Metric         string
	Value          decimal.Decimal
	Threshold      decimal.Decimal
	RaisedAt       time.Time
	Channels       []string
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}
