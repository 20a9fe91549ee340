package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/registration"
	"github.com/sw33tLie/motscan/pkg/scanner"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// StartRequest overrides the default scan options. Omitted fields keep the
// server defaults.
type StartRequest struct {
	Concurrency            *int `json:"concurrency"`
	BatchSize              *int `json:"batch_size"`
	InterBatchDelayMs      *int `json:"inter_batch_delay_ms"`
	StalenessThresholdDays *int `json:"staleness_threshold_days"`
	Resume                 bool `json:"resume"`
	Limit                  int  `json:"limit"`
}

func (req StartRequest) apply(opts scanner.Options) scanner.Options {
	if req.Concurrency != nil {
		opts.Concurrency = *req.Concurrency
	}
	if req.BatchSize != nil {
		opts.BatchSize = *req.BatchSize
	}
	if req.InterBatchDelayMs != nil {
		opts.InterBatchDelay = time.Duration(*req.InterBatchDelayMs) * time.Millisecond
	}
	if req.StalenessThresholdDays != nil {
		opts.StalenessThreshold = time.Duration(*req.StalenessThresholdDays) * 24 * time.Hour
	}
	opts.Resume = req.Resume
	opts.Limit = req.Limit
	return opts
}

type errorResponse struct {
	Error  string            `json:"error"`
	Status *scanner.Snapshot `json:"status,omitempty"`
}

// VehicleResponse is a stored vehicle plus its status as of today.
type VehicleResponse struct {
	storage.Vehicle
	EffectiveStatus storage.InspectionStatus `json:"effective_status"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Log.Debugf("Could not write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	snap, err := s.Scanner.Start(r.Context(), req.apply(s.Defaults))
	switch {
	case errors.Is(err, scanner.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Status: &snap})
	case errors.Is(err, dvsa.ErrAuth):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	case err != nil:
		utils.Log.Errorf("Could not start scan: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, snap)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Scanner.Stop(); err != nil {
		if errors.Is(err, scanner.ErrNotRunning) {
			snap := s.Scanner.Status()
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Status: &snap})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.Scanner.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scanner.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Scanner.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	reg := registration.Clean(mux.Vars(r)["registration"])
	if reg == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty registration"})
		return
	}

	v, err := s.DB.GetVehicle(r.Context(), reg)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "vehicle " + reg + " not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	writeJSON(w, http.StatusOK, VehicleResponse{
		Vehicle:         v,
		EffectiveStatus: v.EffectiveStatus(today, today.Add(s.DueSoonWindow)),
	})
}
