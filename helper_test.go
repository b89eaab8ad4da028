package steward_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/future"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fatalRecorder counts fatal error reports.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) OnFatalError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func (f *fatalRecorder) first() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[0]
}

// callOrder records teardown steps across fakes.
type callOrder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callOrder) record(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, step)
}

func (c *callOrder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// testGraphStore is a controllable graph.Store: fetches can be blocked or
// made to fail, and mutations notify the registered listener on the
// mutating goroutine, like a store callback from another cluster member.
type testGraphStore struct {
	mu       sync.Mutex
	graphs   map[string]*graph.JobGraph
	listener graph.Listener
	stops    int
	order    *callOrder

	// blockEnumerate, when non-nil, makes JobIDs wait until the channel
	// is closed. blockFetch does the same for RecoverJobGraph.
	blockEnumerate chan struct{}
	blockFetch     chan struct{}

	// fetchErr makes RecoverJobGraph fail for specific graph IDs.
	fetchErr map[string]error

	// keepListenerOnStop simulates a misbehaving store whose callbacks
	// keep firing after Stop; the process guard must drop them.
	keepListenerOnStop bool
}

var _ graph.Store = (*testGraphStore)(nil)

func newTestGraphStore(graphs ...*graph.JobGraph) *testGraphStore {
	s := &testGraphStore{
		graphs:   make(map[string]*graph.JobGraph),
		fetchErr: make(map[string]error),
	}
	for _, g := range graphs {
		s.graphs[g.ID.String()] = g
	}
	return s
}

func (s *testGraphStore) Start(_ context.Context, l graph.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	return nil
}

func (s *testGraphStore) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if !s.keepListenerOnStop {
		s.listener = nil
	}
	if s.order != nil {
		s.order.record("store stop")
	}
	return nil
}

func (s *testGraphStore) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *testGraphStore) JobIDs(_ context.Context) ([]id.GraphID, error) {
	if s.blockEnumerate != nil {
		<-s.blockEnumerate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]id.GraphID, 0, len(s.graphs))
	for _, g := range s.graphs {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

func (s *testGraphStore) RecoverJobGraph(_ context.Context, graphID id.GraphID) (*graph.JobGraph, error) {
	s.mu.Lock()
	err, hasErr := s.fetchErr[graphID.String()]
	g, ok := s.graphs[graphID.String()]
	s.mu.Unlock()

	// Model a slow fetch: the value was read, delivery is delayed.
	if s.blockFetch != nil {
		<-s.blockFetch
	}

	if hasErr {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("test store: recover %s: %w", graphID, graph.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *testGraphStore) PutJobGraph(_ context.Context, g *graph.JobGraph) error {
	s.mu.Lock()
	_, existed := s.graphs[g.ID.String()]
	s.graphs[g.ID.String()] = g.Clone()
	l := s.listener
	s.mu.Unlock()

	if !existed && l != nil {
		l.OnAddedJobGraph(g.ID)
	}
	return nil
}

func (s *testGraphStore) RemoveJobGraph(_ context.Context, graphID id.GraphID) error {
	s.mu.Lock()
	_, existed := s.graphs[graphID.String()]
	delete(s.graphs, graphID.String())
	l := s.listener
	s.mu.Unlock()

	if existed && l != nil {
		l.OnRemovedJobGraph(graphID)
	}
	return nil
}

// fakeGatewayService implements dispatcher.GatewayService and its own
// gateway. Submissions can be failed per graph via submitErr.
type fakeGatewayService struct {
	mu        sync.Mutex
	jobs      map[string]*graph.JobGraph
	submitErr func(g *graph.JobGraph) error
	closes    int
	order     *callOrder

	shutDown    *future.Future[dispatcher.ApplicationStatus]
	termination *future.Future[error]
}

var (
	_ dispatcher.GatewayService = (*fakeGatewayService)(nil)
	_ dispatcher.Gateway        = (*fakeGatewayService)(nil)
)

func newFakeGatewayService() *fakeGatewayService {
	return &fakeGatewayService{
		jobs:        make(map[string]*graph.JobGraph),
		shutDown:    future.New[dispatcher.ApplicationStatus](),
		termination: future.New[error](),
	}
}

func (f *fakeGatewayService) Gateway() dispatcher.Gateway { return f }
func (f *fakeGatewayService) Address() string             { return "test://gateway" }

func (f *fakeGatewayService) SubmitJob(_ context.Context, g *graph.JobGraph) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		if err := f.submitErr(g); err != nil {
			return err
		}
	}
	if _, exists := f.jobs[g.ID.String()]; exists {
		return fmt.Errorf("fake gateway: job graph %s: %w", g.ID, dispatcher.ErrDuplicateJob)
	}
	f.jobs[g.ID.String()] = g
	return nil
}

func (f *fakeGatewayService) OnRemovedJobGraph(_ context.Context, graphID id.GraphID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, graphID.String())
	return nil
}

func (f *fakeGatewayService) ShutDownFuture() *future.Future[dispatcher.ApplicationStatus] {
	return f.shutDown
}

func (f *fakeGatewayService) CloseAsync() *future.Future[error] {
	f.mu.Lock()
	f.closes++
	if f.order != nil {
		f.order.record("service close")
	}
	f.mu.Unlock()

	// Like the real service, the shutdown future is left incomplete on
	// an external close; it only ever carries the service's own decision.
	f.termination.Complete(nil)
	return f.termination
}

func (f *fakeGatewayService) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeGatewayService) tracked() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.jobs))
	for k := range f.jobs {
		out[k] = true
	}
	return out
}

// fakeFactory hands out one fakeGatewayService and records what it was
// created with.
type fakeFactory struct {
	mu        sync.Mutex
	svc       *fakeGatewayService
	createErr error
	created   int
	recovered []*graph.JobGraph
	token     id.FencingToken
}

var _ dispatcher.Factory = (*fakeFactory)(nil)

func newFakeFactory() *fakeFactory {
	return &fakeFactory{svc: newFakeGatewayService()}
}

func (f *fakeFactory) Create(token id.FencingToken, recovered []*graph.JobGraph, _ graph.Store) (dispatcher.GatewayService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created++
	f.recovered = recovered
	f.token = token
	if f.createErr != nil {
		return nil, f.createErr
	}

	for _, g := range recovered {
		f.svc.jobs[g.ID.String()] = g
	}
	return f.svc, nil
}

func (f *fakeFactory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newGraph(name string) *graph.JobGraph {
	return &graph.JobGraph{ID: id.NewGraphID(), Name: name, Payload: []byte(name)}
}
