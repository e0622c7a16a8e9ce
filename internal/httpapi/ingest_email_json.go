package httpapi

import (
	"encoding/json"
	"fmt"
)

// emailJSONEnvelope is the JSON-body variant of /ingest/email: rows travel
// inline instead of as a multipart file. rowsJSON re-marshals the rows
// field so it can be handed to decode.Registry the same way an uploaded
// file's bytes are, keeping one decode path for both transports.
type emailJSONEnvelope struct {
	OrgID    string
	OrgName  string
	Kind     string
	rowsJSON []byte
}

func decodeEmailJSONEnvelope(body []byte) (emailJSONEnvelope, error) {
	var wire struct {
		OrgID   string          `json:"orgId"`
		OrgName string          `json:"orgName"`
		Kind    string          `json:"kind"`
		Rows    json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return emailJSONEnvelope{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(wire.Rows) == 0 {
		wire.Rows = json.RawMessage("[]")
	}
	return emailJSONEnvelope{OrgID: wire.OrgID, OrgName: wire.OrgName, Kind: wire.Kind, rowsJSON: wire.Rows}, nil
}
