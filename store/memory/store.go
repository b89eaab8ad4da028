// Package memory provides a fully in-memory job graph store. Safe for
// concurrent access. Intended for unit testing and development: a single
// Store instance shared by several logical "cluster members" delivers
// mutation notifications to the member that started it.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// Compile-time interface check.
var _ graph.Store = (*Store)(nil)

// Store is an in-memory implementation of graph.Store.
type Store struct {
	mu       sync.RWMutex
	graphs   map[string]*graph.JobGraph
	listener graph.Listener
	started  bool
	stopped  bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{graphs: make(map[string]*graph.JobGraph)}
}

// Start registers the listener for mutation notifications.
func (s *Store) Start(_ context.Context, listener graph.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("memory: start: %w", graph.ErrStoreStopped)
	}
	if s.started {
		return fmt.Errorf("memory: store already started")
	}
	s.started = true
	s.listener = listener
	return nil
}

// Stop unregisters the listener. The stored graphs survive so a later
// leader (a fresh Store owner in production backends) could recover them.
func (s *Store) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.listener = nil
	return nil
}

// JobIDs enumerates all persisted job graph IDs.
func (s *Store) JobIDs(_ context.Context) ([]id.GraphID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]id.GraphID, 0, len(s.graphs))
	for _, g := range s.graphs {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// RecoverJobGraph fetches one job graph by ID.
func (s *Store) RecoverJobGraph(_ context.Context, graphID id.GraphID) (*graph.JobGraph, error) {
	s.mu.RLock()
	g, ok := s.graphs[graphID.String()]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("memory: recover %s: %w", graphID, graph.ErrNotFound)
	}
	return g.Clone(), nil
}

// PutJobGraph persists a job graph and notifies the listener when the
// graph is new. Notification happens outside the lock, on the caller's
// goroutine — the caller models "another cluster member".
func (s *Store) PutJobGraph(_ context.Context, g *graph.JobGraph) error {
	cp := g.Clone()
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}

	s.mu.Lock()
	_, existed := s.graphs[g.ID.String()]
	s.graphs[g.ID.String()] = cp
	listener := s.listener
	s.mu.Unlock()

	if !existed && listener != nil {
		listener.OnAddedJobGraph(g.ID)
	}
	return nil
}

// RemoveJobGraph deletes a job graph and notifies the listener if the
// graph existed.
func (s *Store) RemoveJobGraph(_ context.Context, graphID id.GraphID) error {
	s.mu.Lock()
	_, existed := s.graphs[graphID.String()]
	delete(s.graphs, graphID.String())
	listener := s.listener
	s.mu.Unlock()

	if existed && listener != nil {
		listener.OnRemovedJobGraph(graphID)
	}
	return nil
}
