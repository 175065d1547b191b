package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roomwatch/internal/telemetry"
)

const defaultProbePath = "/get-ip"

// Result is the outcome of one liveness probe.
type Result struct {
	State           telemetry.ConnectionState
	ReportedAddress string
	Err             error
}

// Prober checks whether a location's controller is reachable.
type Prober interface {
	Probe(ctx context.Context, loc telemetry.Location) Result
}

// HTTPProberOptions parameterise the HTTP liveness prober.
type HTTPProberOptions struct {
	Path      string
	Timeout   time.Duration
	UserAgent string
}

// HTTPProber calls the controller's liveness endpoint.
type HTTPProber struct {
	opts   HTTPProberOptions
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPProber constructs a prober. The timeout bounds each probe.
func NewHTTPProber(opts HTTPProberOptions, logger zerolog.Logger) *HTTPProber {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if strings.TrimSpace(opts.Path) == "" {
		opts.Path = defaultProbePath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	return &HTTPProber{
		opts:   opts,
		client: &http.Client{},
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

type livenessResponse struct {
	Address   string `json:"address"`
	IPAddress string `json:"ipAddress"`
}

// Probe issues GET {address}{path}. A timeout yields Degraded; refusal,
// other transport errors and non-2xx responses yield Failed.
func (p *HTTPProber) Probe(ctx context.Context, loc telemetry.Location) Result {
	if err := telemetry.ValidateAddress(loc.ID, loc.Address); err != nil {
		return Result{State: telemetry.StateFailed, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(strings.TrimSpace(loc.Address), "/") + p.opts.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{State: telemetry.StateFailed, Err: &telemetry.ConfigurationError{
			LocationID: loc.ID, Address: loc.Address, Reason: err.Error(),
		}}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		state := telemetry.StateFailed
		if isTimeout(err) {
			state = telemetry.StateDegraded
		}
		return Result{State: state, Err: &telemetry.ConnectivityError{LocationID: loc.ID, Op: "probe", Err: err}}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		state := telemetry.StateFailed
		if isTimeout(err) {
			state = telemetry.StateDegraded
		}
		return Result{State: state, Err: &telemetry.ConnectivityError{LocationID: loc.ID, Op: "probe", Err: err}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{State: telemetry.StateFailed, Err: &telemetry.ConnectivityError{
			LocationID: loc.ID,
			Op:         "probe",
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}}
	}

	var body livenessResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		p.logger.Debug().Err(err).Str("location", loc.ID).Msg("liveness body not JSON")
	}
	reported := body.Address
	if reported == "" {
		reported = body.IPAddress
	}
	return Result{State: telemetry.StateConnected, ReportedAddress: reported}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Prober = (*HTTPProber)(nil)
