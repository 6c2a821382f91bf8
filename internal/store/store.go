// ============================================================================
// meshctl Persistent State Gateway
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Durable controller state behind one interface.
//
// Responsibilities:
// 1. AC on/off event log (append-only, a repeat of the last entry is skipped)
// 2. Temperature limits and the permission flag (key/value settings)
// 3. last_seen / status / last_message per mesh node
//
// Implementations:
//   - Postgres: tables shared with the dashboard (ac_data, ac_settings, mesh_nodes)
//   - Document: a JSON file written atomically, or memory only
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when a setting has never been written.
	ErrNotFound = errors.New("store: not found")
	// ErrCorruptedDocument is returned when the document file cannot be parsed.
	ErrCorruptedDocument = errors.New("store: document file is corrupted")
	// ErrIncompatibleVersion is returned for an unknown document schema.
	ErrIncompatibleVersion = errors.New("store: document schema version is incompatible")
)

// Gateway is the durable state used by the controller loop.
type Gateway interface {
	// ReadLastState returns the most recent actuator event; ok is false
	// when the log is empty.
	ReadLastState(ctx context.Context) (ev types.StateEvent, ok bool, err error)
	// AppendStateEvent appends an event unless the most recent event has the
	// same state. It reports whether a row was written.
	AppendStateEvent(ctx context.Context, on bool, at time.Time) (bool, error)
	// ForceStateEvent appends an event without de-duplication.
	ForceStateEvent(ctx context.Context, on bool, at time.Time) error

	// ReadThresholds returns ErrNotFound if either value is missing.
	ReadThresholds(ctx context.Context) (types.Thresholds, error)
	WriteThresholds(ctx context.Context, t types.Thresholds) error
	// ReadPermission returns ErrNotFound if the flag was never written.
	ReadPermission(ctx context.Context) (bool, error)
	WritePermission(ctx context.Context, allowed bool) error

	// UpsertNodeStatus marks a node online and records when it was seen.
	// A nil Message keeps the previous last message.
	UpsertNodeStatus(ctx context.Context, u types.NodeStatusUpdate) error
	MarkNodeOffline(ctx context.Context, id types.NodeID) error
	// ListKnownNodes returns every node ordered by id.
	ListKnownNodes(ctx context.Context) ([]types.NodeRecord, error)

	Close() error
}

// Setting keys in ac_settings.
const (
	keyMaxTemp   = "max_temp"
	keyMinTemp   = "min_temp"
	keyACAllowed = "ac_allowed"
)

// formatBool matches the dashboard's stored representation.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// DefaultNodeName is used when a node appears that was never named.
func DefaultNodeName(id types.NodeID) string {
	switch id {
	case 1:
		return "AC_Relay"
	case 2:
		return "Temp_LCD"
	default:
		return id.String()
	}
}
