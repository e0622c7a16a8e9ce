// Package store defines the storage contracts the roster reconciliation
// core depends on. It deliberately mirrors the primitives a document
// store offers (get, set-merge, where-in, batch) rather than any one
// backend's native API; internal/store/dynamodb and internal/store/postgres
// each implement the same interfaces.
package store

import "errors"

// Sentinel errors shared across backends.
var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrEmployeeNotFound     = errors.New("employee not found")
	ErrUnavailable          = errors.New("store unavailable")
)
