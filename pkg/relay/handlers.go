package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xping-dev/xping/pkg/report"
)

const maxIngestBody = 16 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int                `json:"accepted"`
	Rejected []report.Rejection `json:"rejected,omitempty"`
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"telemetry": s.pipeline.Health(),
	})
}

// handleExecutions records every valid result of a submitted report.
func (s *server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Decode(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	records, rejected := rep.Records(time.Now())

	if len(records) == 0 && len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Rejected: rejected})

		return
	}

	if res := s.pipeline.RecordTestExecutions(r.Context(), records); !res.Success {
		s.log.WithField("error", res.ErrorMessage).Warn("Flush during ingest did not upload")
	}

	if len(rejected) > 0 {
		s.log.WithField("rejected", len(rejected)).Warn("Rejected invalid results")
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(records), Rejected: rejected})
}

func (s *server) handleFlush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.FlushSession(r.Context()))
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats(r.Context()))
}
