package telemetry

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by gated operations while a location is not Connected.
var ErrNotConnected = errors.New("location not connected")

// ConnectivityError wraps a probe or feed failure. It is recovered locally and
// surfaced as connection state.
type ConnectivityError struct {
	LocationID string
	Op         string
	Err        error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.LocationID, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// StaleDataError reports that a historical fetch failed and the returned
// samples come from an earlier successful fetch.
type StaleDataError struct {
	Key string
	Err error
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("serving stale data for %s: %v", e.Key, e.Err)
}

func (e *StaleDataError) Unwrap() error { return e.Err }

// PersistenceError reports a failed usage ledger write. The in-memory ledger
// has already advanced.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError reports a malformed location address. It requires user
// correction and is not retried automatically.
type ConfigurationError struct {
	LocationID string
	Address    string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("location %s: invalid address %q: %s", e.LocationID, e.Address, e.Reason)
}

// NotConnected builds the gate error for a location in the given state.
func NotConnected(locationID string, state ConnectionState) error {
	return fmt.Errorf("location %s is %s: %w", locationID, state, ErrNotConnected)
}
