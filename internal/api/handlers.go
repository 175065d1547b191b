package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"roomwatch/internal/history"
	"roomwatch/internal/session"
	"roomwatch/internal/telemetry"
	"roomwatch/internal/version"
)

type errorResponse struct {
	Error string `json:"error"`
}

type sampleResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

type historyResponse struct {
	Location string           `json:"location"`
	Range    history.Range    `json:"range"`
	Stale    bool             `json:"stale"`
	Warning  string           `json:"warning,omitempty"`
	Samples  []sampleResponse `json:"samples"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statuses())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SelectLocation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.View())
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"address\": \"...\"}"})
		return
	}
	if err := s.engine.SetAddress(r.Context(), chi.URLParam(r, "id"), body.Address); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.engine.Statuses())
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.View())
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit *float64 `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Limit == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"limit\": <number>}"})
		return
	}
	if err := s.engine.SetThreshold(r.Context(), chi.URLParam(r, "metric"), *body.Limit); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.View().Thresholds)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	acked, err := s.engine.Acknowledge(r.Context(), metric)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !acked {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no live alert for " + metric})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": metric})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rng, err := history.ParseRange(chi.URLParam(r, "range"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	active := s.engine.View().ActiveLocation
	samples, err := s.engine.History(r.Context(), active, rng)
	resp := historyResponse{Location: active, Range: rng}
	var stale *telemetry.StaleDataError
	switch {
	case errors.As(err, &stale):
		resp.Stale = true
		resp.Warning = stale.Error()
	case err != nil:
		s.writeError(w, err)
		return
	}
	resp.Samples = make([]sampleResponse, 0, len(samples))
	for _, smp := range samples {
		resp.Samples = append(resp.Samples, sampleResponse{Timestamp: smp.Timestamp, Values: smp.Values()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Usage())
}

func (s *Server) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Confirm {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "reset requires {\"confirm\": true}"})
		return
	}
	if err := s.engine.ResetUsage(r.Context()); err != nil {
		var perr *telemetry.PersistenceError
		if !errors.As(err, &perr) {
			s.writeError(w, err)
			return
		}
		s.logger.Warn().Err(err).Msg("usage reset applied in memory only")
	}
	writeJSON(w, http.StatusOK, s.engine.Usage())
}

// writeError maps engine errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cfgErr *telemetry.ConfigurationError
	switch {
	case errors.Is(err, telemetry.ErrNotConnected), errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrUnknownLocation):
		status = http.StatusNotFound
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, history.ErrSuperseded):
		status = http.StatusConflict
	default:
		var connErr *telemetry.ConnectivityError
		if errors.As(err, &connErr) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
