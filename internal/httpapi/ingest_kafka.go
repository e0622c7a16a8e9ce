package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/rosterd/internal/delta"
	"github.com/wolfeidau/rosterd/internal/httpmw"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/reconcile"
)

type upsertRow struct {
	Email       string `json:"email"`
	StatusInOrg string `json:"statusInOrg"`
	EventID     string `json:"eventId,omitempty"`
}

type upsertRequest struct {
	OrgID      string      `json:"orgId"`
	Messages   []upsertRow `json:"messages"`
	CloseAfter bool        `json:"closeAfter"`
}

type upsertResponse struct {
	Success    bool  `json:"success"`
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	Epoch      int64 `json:"epoch"`
	Finalized  bool  `json:"finalized"`
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) handleKafkaUpserts(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req upsertRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrgID == "" {
		httpmw.WriteError(w, http.StatusBadRequest, "orgId is required")
		return
	}

	epochNum, err := s.epochs.Begin(r.Context(), req.OrgID, "")
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msgs := make([]reconcile.Message, 0, len(req.Messages))
	for _, row := range req.Messages {
		msgs = append(msgs, reconcile.Message{Email: row.Email, StatusInOrg: row.StatusInOrg, EventID: row.EventID})
	}

	result, err := s.reconciler.Run(r.Context(), req.OrgID, models.SourceKafkaUpsert, epochNum, msgs)
	if err != nil {
		if errors.Is(err, reconcile.ErrCircuitOpen) {
			httpmw.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	finalized := req.CloseAfter
	if finalized {
		if _, err := s.finalizer.Run(r.Context(), req.OrgID, epochNum); err != nil {
			httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	httpmw.WriteJSON(w, http.StatusOK, upsertResponse{
		Success:    true,
		Processed:  result.Processed,
		Skipped:    result.Skipped,
		Errors:     result.Errors,
		Epoch:      epochNum,
		Finalized:  finalized,
		DurationMs: time.Since(started).Milliseconds(),
	})
}

type deltaRow struct {
	Email     string `json:"email"`
	DeltaType string `json:"deltaType"`
	EventID   string `json:"eventId,omitempty"`
}

type deltaRequest struct {
	OrgID    string     `json:"orgId"`
	Messages []deltaRow `json:"messages"`
}

type deltaResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
}

func (s *Server) handleKafkaDeltas(w http.ResponseWriter, r *http.Request) {
	var req deltaRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrgID == "" {
		httpmw.WriteError(w, http.StatusBadRequest, "orgId is required")
		return
	}

	msgs := make([]delta.Message, 0, len(req.Messages))
	for _, row := range req.Messages {
		msgs = append(msgs, delta.Message{Email: row.Email, DeltaType: delta.Type(row.DeltaType), EventID: row.EventID})
	}

	result, err := s.deltas.ApplyAll(r.Context(), req.OrgID, msgs)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpmw.WriteJSON(w, http.StatusOK, deltaResponse{
		Success:   true,
		Processed: result.Processed,
		Skipped:   result.Skipped,
	})
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errInvalidJSON
	}
	return nil
}

const maxBodyBytes = 10 << 20 // resource bounds: per-HTTP-body <= 10MB

var errInvalidJSON = errors.New("invalid JSON body")
