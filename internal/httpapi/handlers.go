package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/markus-barta/wattpilot"
	"github.com/markus-barta/wattpilot/internal/protocol"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports 200 once the charger is ready, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.charger.IsReady() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state": s.charger.State().String(),
		"ready": status == http.StatusOK,
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.charger.Identity())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.charger.Diagnostics())
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.charger.Snapshot())
}

// handleGetProperty serves a cached value, or polls the charger with ?fresh=1.
func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if r.URL.Query().Get("fresh") == "1" {
		v, err := s.charger.ReadPropertyFresh(r.Context(), key, wattpilot.Null())
		if err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("fresh read failed")
			status := statusFor(err)
			if errors.Is(err, wattpilot.ErrCommandTimeout) {
				status = http.StatusGatewayTimeout
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v, "fresh": true})
		return
	}

	snap := s.charger.Snapshot()
	if !snap.Initialized {
		http.Error(w, "Charger not ready", http.StatusServiceUnavailable)
		return
	}
	v, ok := snap.Properties[key]
	if !ok {
		http.Error(w, "Unknown property", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v, "fresh": false})
}

// handleSetProperty writes a property and reports the charger's verdict.
func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Value   json.RawMessage `json:"value"`
		Type    string          `json:"type,omitempty"`    // force number, bool or string
		Timeout string          `json:"timeout,omitempty"` // e.g. "5s"
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || len(req.Value) == 0 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var value wattpilot.Value
	if err := json.Unmarshal(req.Value, &value); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var opts []wattpilot.WriteOption
	if req.Type != "" {
		kind, err := protocol.ParseKind(req.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, wattpilot.ForceType(kind))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid timeout", http.StatusBadRequest)
			return
		}
		opts = append(opts, wattpilot.WithTimeout(d))
	}

	out, err := s.charger.WriteProperty(r.Context(), key, value, opts...)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("write not confirmed")
	}
	writeJSON(w, statusFor(err), outcomeJSON(out))
}

func outcomeJSON(out wattpilot.Outcome) map[string]any {
	body := map[string]any{
		"key":        out.Key,
		"status":     out.Status.String(),
		"request_id": out.RequestID,
		"latency_ms": out.Latency.Milliseconds(),
	}
	if out.Status == wattpilot.Confirmed {
		body["value"] = out.Value
	}
	if out.Reason != "" {
		body["reason"] = out.Reason
	}
	return body
}

// statusFor maps client errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, wattpilot.ErrNotReady), errors.Is(err, wattpilot.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, wattpilot.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wattpilot.ErrCommandTimeout):
		return http.StatusAccepted
	default:
		return http.StatusBadGateway
	}
}
