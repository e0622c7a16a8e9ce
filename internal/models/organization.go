package models

import "time"

// Organization is the tenant root CurrentEpoch increases by
// exactly one per beginRun; LastFinalizedEpoch never exceeds CurrentEpoch.
type Organization struct {
	OrgID              string
	Name               string
	CurrentEpoch       int64
	LastFinalizedEpoch int64
	UpdatedAt          time.Time
}
