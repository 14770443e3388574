// Package store provides durable persistence for node session records.
//
// Three implementations cover the RecordStore contract: a GORM-backed
// SQLite store for single-binary deployments, a Redis store for
// deployments that already run Redis, and an in-memory store for tests
// and ephemeral runs.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/flhub/flhub/types"
)

var (
	// ErrRecordNotFound is returned when no record exists for a node ID.
	// Every other store error indicates the store itself failed, so
	// callers can tell "absent" from "unavailable".
	ErrRecordNotFound = errors.New("session record not found")

	// ErrRecordExists is returned by Insert when the node ID is taken.
	ErrRecordExists = errors.New("session record already exists")
)

// RecordStore is the durable keeper of node session records, keyed by
// node ID. Implementations must be safe for concurrent use: each
// session actor writes only its own node's record, but the coordinator
// sweep reads and writes the full set.
type RecordStore interface {
	// Insert creates a new record. Fails with ErrRecordExists if the
	// node ID is already present.
	Insert(ctx context.Context, record *types.NodeSessionRecord) error

	// Update replaces an existing record. Fails with ErrRecordNotFound
	// if the node ID is absent.
	Update(ctx context.Context, record *types.NodeSessionRecord) error

	// GetByNodeID returns the record for the node ID, or ErrRecordNotFound.
	GetByNodeID(ctx context.Context, nodeID string) (*types.NodeSessionRecord, error)

	// Delete removes the record for the node ID. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, nodeID string) error

	// ListAll returns every record, ordered by node ID.
	ListAll(ctx context.Context) ([]*types.NodeSessionRecord, error)
}

func sortRecords(records []*types.NodeSessionRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].NodeID < records[j].NodeID })
}
