package telemetry

import (
	"fmt"
	"net/url"
	"strings"
)

// ConnectionState is the supervisor's view of a location's reachability.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateProbing
	StateConnected
	StateDegraded
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lowercase name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Location identifies one monitored room.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	FeedURL string `json:"feedUrl,omitempty"`
}

// ResolvedFeedURL returns the explicit feed URL or derives a WebSocket URL from
// the HTTP address.
func (l Location) ResolvedFeedURL() string {
	if l.FeedURL != "" {
		return l.FeedURL
	}
	u, err := url.Parse(strings.TrimSpace(l.Address))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// ValidateAddress reports a ConfigurationError for addresses that cannot be probed.
func ValidateAddress(locationID, address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return &ConfigurationError{LocationID: locationID, Address: address, Reason: "address is empty"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return &ConfigurationError{LocationID: locationID, Address: address, Reason: fmt.Sprintf("parse address: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{LocationID: locationID, Address: address, Reason: "address scheme must be http or https"}
	}
	if u.Host == "" {
		return &ConfigurationError{LocationID: locationID, Address: address, Reason: "address has no host"}
	}
	return nil
}
