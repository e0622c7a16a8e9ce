package httpapi

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/wolfeidau/rosterd/internal/decode"
	"github.com/wolfeidau/rosterd/internal/delta"
	"github.com/wolfeidau/rosterd/internal/httpmw"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/reconcile"
)

type emailIngestResponse struct {
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Kind      string `json:"kind"`
}

// multipartMaxMemory caps the in-memory portion of a parsed multipart
// form; larger attachments spill to temp files the standard library
// manages.
const multipartMaxMemory = 32 << 20

// handleEmailIngest accepts either a multipart upload (file attachment)
// or a plain JSON body with an inline rows array: multipart {orgId,
// orgName?, kind?, file} or JSON {orgId, orgName?, kind?, rows:[...]}.
func (s *Server) handleEmailIngest(w http.ResponseWriter, r *http.Request) {
	orgID, orgName, kind, raw, fileKind, err := s.parseEmailIngestBody(r)
	if err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if orgID == "" {
		httpmw.WriteError(w, http.StatusBadRequest, "orgId is required")
		return
	}
	if kind == "" {
		kind = "upserts"
	}

	rows, err := s.decoders.Decode(fileKind, raw)
	if err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch kind {
	case "upserts":
		s.processEmailUpserts(w, r, orgID, orgName, rows)
	case "deltas":
		s.processEmailDeltas(w, r, orgID, rows)
	default:
		httpmw.WriteError(w, http.StatusBadRequest, "kind must be upserts or deltas")
	}
}

func (s *Server) processEmailUpserts(w http.ResponseWriter, r *http.Request, orgID, orgName string, rows []decode.Row) {
	epochNum, err := s.epochs.Begin(r.Context(), orgID, orgName)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msgs := make([]reconcile.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, reconcile.Message{Email: row.Email, StatusInOrg: row.StatusInOrg})
	}

	result, err := s.reconciler.Run(r.Context(), orgID, models.SourceEmailUpsert, epochNum, msgs)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// An email-triggered upsert always finalizes immediately.
	if _, err := s.finalizer.Run(r.Context(), orgID, epochNum); err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpmw.WriteJSON(w, http.StatusOK, emailIngestResponse{Success: true, Processed: result.Processed, Kind: "upserts"})
}

func (s *Server) processEmailDeltas(w http.ResponseWriter, r *http.Request, orgID string, rows []decode.Row) {
	msgs := make([]delta.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, delta.Message{Email: row.Email, DeltaType: delta.Type(row.DeltaType)})
	}

	result, err := s.emailDeltas.ApplyAll(r.Context(), orgID, msgs)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpmw.WriteJSON(w, http.StatusOK, emailIngestResponse{Success: true, Processed: result.Processed, Kind: "deltas"})
}

// parseEmailIngestBody branches on Content-Type: a multipart form carries
// an uploaded file whose decoder kind comes from its file extension ("json"
// when it has none; the kind form field selects upserts/deltas, not the
// decoder), a JSON body carries rows inline and is always kind "json" for
// decoding purposes.
func (s *Server) parseEmailIngestBody(r *http.Request) (orgID, orgName, kind string, raw []byte, fileKind string, err error) {
	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		return s.parseMultipart(r)
	}

	defer r.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if readErr != nil {
		return "", "", "", nil, "", readErr
	}

	doc, decodeErr := decodeEmailJSONEnvelope(body)
	if decodeErr != nil {
		return "", "", "", nil, "", decodeErr
	}
	return doc.OrgID, doc.OrgName, doc.Kind, doc.rowsJSON, "json", nil
}

func (s *Server) parseMultipart(r *http.Request) (orgID, orgName, kind string, raw []byte, fileKind string, err error) {
	if err := r.ParseMultipartForm(multipartMaxMemory); err != nil {
		return "", "", "", nil, "", err
	}

	orgID = r.FormValue("orgId")
	orgName = r.FormValue("orgName")
	kind = r.FormValue("kind")

	file, header, ferr := r.FormFile("file")
	if ferr != nil {
		return "", "", "", nil, "", ferr
	}
	defer file.Close()

	data, rerr := io.ReadAll(io.LimitReader(file, maxBodyBytes))
	if rerr != nil {
		return "", "", "", nil, "", rerr
	}

	return orgID, orgName, kind, data, fileExtKind(header), nil
}

func fileExtKind(header *multipart.FileHeader) string {
	name := header.Filename
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return toLowerASCII(name[i+1:])
		}
	}
	return "json"
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
