package dispatcher

import (
	"context"
	"errors"

	"github.com/xraph/steward/future"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// Sentinel errors for the gateway contract.
var (
	// ErrDuplicateJob is wrapped by SubmitJob when the job graph is
	// already tracked. This is the one submission failure a leader
	// process absorbs instead of escalating: it arises from benign races
	// between recovery and concurrent add notifications. Gateway
	// implementations classify their own duplicate condition by wrapping
	// this sentinel.
	ErrDuplicateJob = errors.New("dispatcher: job graph already submitted")

	// ErrServiceClosed is wrapped by operations on a closed service.
	ErrServiceClosed = errors.New("dispatcher: service closed")
)

// ApplicationStatus is the terminal outcome a dispatcher gateway service
// reports through its shutdown future.
type ApplicationStatus string

// Application status values.
const (
	StatusSucceeded ApplicationStatus = "succeeded"
	StatusFailed    ApplicationStatus = "failed"
	StatusCancelled ApplicationStatus = "cancelled"
	StatusUnknown   ApplicationStatus = "unknown"
)

// Gateway is the job submission surface exposed by a running dispatcher
// gateway service. External callers obtain it through the leader
// process's gateway future.
type Gateway interface {
	// SubmitJob hands a job graph to the runtime for execution.
	// Submitting an already-tracked graph fails with a wrapped
	// ErrDuplicateJob.
	SubmitJob(ctx context.Context, g *graph.JobGraph) error

	// Address identifies where this gateway is reachable.
	Address() string
}

// GatewayService is one running incarnation of the job execution runtime,
// created by a Factory after recovery and owned exclusively by the leader
// process that created it.
type GatewayService interface {
	// Gateway returns the submission gateway.
	Gateway() Gateway

	// OnRemovedJobGraph tells the runtime to stop tracking a job whose
	// graph was removed from the shared store.
	OnRemovedJobGraph(ctx context.Context, graphID id.GraphID) error

	// ShutDownFuture completes when the runtime decides on its own to
	// shut down, carrying the terminal application status.
	ShutDownFuture() *future.Future[ApplicationStatus]

	// CloseAsync starts an asynchronous shutdown and returns the
	// termination future. The value is the teardown error, nil on clean
	// shutdown.
	CloseAsync() *future.Future[error]
}

// Factory creates a GatewayService for one leadership term.
type Factory interface {
	Create(token id.FencingToken, recovered []*graph.JobGraph, store graph.Store) (GatewayService, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(token id.FencingToken, recovered []*graph.JobGraph, store graph.Store) (GatewayService, error)

// Create calls f.
func (f FactoryFunc) Create(token id.FencingToken, recovered []*graph.JobGraph, store graph.Store) (GatewayService, error) {
	return f(token, recovered, store)
}
