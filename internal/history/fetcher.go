package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/telemetry"
)

// Range is one of the fixed historical windows the controllers serve.
type Range string

const (
	Range1h  Range = "1h"
	Range12h Range = "12h"
	Range24h Range = "24h"
	Range7d  Range = "7d"
	Range30d Range = "30d"
)

// Ranges lists the supported ranges from shortest to longest.
func Ranges() []Range {
	return []Range{Range1h, Range12h, Range24h, Range7d, Range30d}
}

// ParseRange accepts "1h", "12h", "24h", "7d" and "30d".
func ParseRange(v string) (Range, error) {
	r := Range(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range Ranges() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown range %q (want one of 1h, 12h, 24h, 7d, 30d)", v)
}

// Duration is the span the range covers.
func (r Range) Duration() time.Duration {
	switch r {
	case Range1h:
		return time.Hour
	case Range12h:
		return 12 * time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Fetcher retrieves samples of a range from a location.
type Fetcher interface {
	FetchRange(ctx context.Context, loc telemetry.Location, r Range) ([]telemetry.Sample, error)
}

// HTTPFetcherOptions parameterise the HTTP range fetcher.
type HTTPFetcherOptions struct {
	PathPrefix string
	Timeout    time.Duration
	// TimeZone interprets timestamps that carry no offset.
	TimeZone *time.Location
}

// HTTPFetcher reads GET {address}{prefix}/{range}.
type HTTPFetcher struct {
	opts   HTTPFetcherOptions
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPFetcher constructs a fetcher with a default prefix of /api/data.
func NewHTTPFetcher(opts HTTPFetcherOptions, logger zerolog.Logger) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = "/api/data"
	}
	opts.PathPrefix = "/" + strings.Trim(opts.PathPrefix, "/")
	if opts.TimeZone == nil {
		opts.TimeZone = time.Local
	}
	return &HTTPFetcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "history_fetcher").Logger(),
	}
}

const localLayout = "2006-01-02 15:04:05"

// FetchRange returns the range's samples in ascending time order.
func (f *HTTPFetcher) FetchRange(ctx context.Context, loc telemetry.Location, r Range) ([]telemetry.Sample, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(loc.Address), "/") + f.opts.PathPrefix + "/" + string(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &telemetry.ConfigurationError{LocationID: loc.ID, Address: loc.Address, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &telemetry.ConnectivityError{LocationID: loc.ID, Op: "history " + string(r), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &telemetry.ConnectivityError{LocationID: loc.ID, Op: "history " + string(r), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &telemetry.ConnectivityError{
			LocationID: loc.ID,
			Op:         "history " + string(r),
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}

	samples, err := f.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s history for %s: %w", r, loc.ID, err)
	}
	f.logger.Debug().Str("location", loc.ID).Str("range", string(r)).Int("samples", len(samples)).Msg("history fetched")
	return samples, nil
}

func (f *HTTPFetcher) decode(payload []byte) ([]telemetry.Sample, error) {
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, err
	}
	samples := make([]telemetry.Sample, 0, len(rows))
	for i, row := range rows {
		var stamp string
		if err := json.Unmarshal(row["timestamp"], &stamp); err != nil {
			return nil, fmt.Errorf("row %d: timestamp: %w", i, err)
		}
		ts, err := f.parseTimestamp(stamp)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		values := make(map[string]float64, len(row)-1)
		for name, raw := range row {
			if name == "timestamp" || string(raw) == "null" {
				continue
			}
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				values[name] = v
			}
		}
		samples = append(samples, telemetry.NewSample(ts, values))
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

func (f *HTTPFetcher) parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(localLayout, v, f.opts.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q", v)
	}
	return ts, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
