// Package graph defines the job graph entity and the shared store
// contract consumed by a leader process.
//
// The store is durable and shared across cluster members: any member may
// add or remove job graphs while another member leads. Implementations
// deliver mutation notifications to the registered Listener on an
// unspecified goroutine; call ordering across different graph IDs is not
// guaranteed by the store, only by the consumer serializing them.
package graph

import (
	"context"
	"errors"

	"github.com/xraph/steward/id"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is wrapped by RecoverJobGraph when the graph does not
	// exist. During leader recovery this indicates store inconsistency
	// (an enumerated ID that cannot be fetched) and is escalated as fatal.
	ErrNotFound = errors.New("graph: job graph not found")

	// ErrStoreStopped is wrapped by operations invoked after Stop.
	ErrStoreStopped = errors.New("graph: store stopped")
)

// Listener receives asynchronous mutation notifications from a Store.
// Callbacks are invoked at most once per logical mutation.
type Listener interface {
	// OnAddedJobGraph signals that a graph appeared in the store,
	// added by another cluster member.
	OnAddedJobGraph(graphID id.GraphID)

	// OnRemovedJobGraph signals that a graph disappeared from the store,
	// removed by another cluster member.
	OnRemovedJobGraph(graphID id.GraphID)
}

// Store is the durable, shared job graph store. One leader process owns a
// Store instance at a time: the owner calls Start with itself as listener
// and guarantees Stop on teardown.
type Store interface {
	// Start begins delivering mutation notifications to the listener.
	Start(ctx context.Context, listener Listener) error

	// Stop releases the store's resources and unregisters the listener.
	// No notifications are delivered after Stop returns.
	Stop(ctx context.Context) error

	// JobIDs enumerates the IDs of all persisted job graphs.
	JobIDs(ctx context.Context) ([]id.GraphID, error)

	// RecoverJobGraph fetches one persisted job graph by ID.
	RecoverJobGraph(ctx context.Context, graphID id.GraphID) (*JobGraph, error)

	// PutJobGraph persists a job graph, overwriting any previous version.
	PutJobGraph(ctx context.Context, g *JobGraph) error

	// RemoveJobGraph deletes a job graph. Removing an absent graph is a no-op.
	RemoveJobGraph(ctx context.Context, graphID id.GraphID) error
}
