package models

import "time"

// Status is the store's canonical three-state employment status.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusLeft     Status = "left"
)

// Source tags the provenance of the most recent write to an employee
// document.
type Source string

const (
	SourceEmailUpsert Source = "email:upsert"
	SourceEmailDelta  Source = "email:delta"
	SourceKafkaUpsert Source = "kafka:upsert"
	SourceKafkaDelta  Source = "kafka:delta"
)

// Employee is a child of Organization, keyed by an opaque system-assigned
// ID; its logical identity is (OrgID, Email).
type Employee struct {
	ID              string
	OrgID           string
	Email           string
	StatusInOrg     Status
	PresentInLatest bool
	LastSeenEpoch   int64
	UpdatedAt       time.Time
	Source          Source
	LastEventID     string
}
