// Package mongo implements graph.Store using the official MongoDB driver.
// Job graphs live in a single collection keyed by graph ID. Peer mutation
// notifications come from periodic enumeration diffing, which works on
// standalone servers where change streams are unavailable.
//
// The caller owns the *mongo.Database lifecycle; Store never disconnects
// the client.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// colJobGraphs is the collection holding persisted job graphs.
const colJobGraphs = "steward_job_graphs"

// defaultPollInterval is how often the store re-enumerates graph IDs to
// detect peer mutations.
const defaultPollInterval = 2 * time.Second

// Compile-time interface check.
var _ graph.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithPollInterval sets the peer-mutation polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// Store is a MongoDB implementation of graph.Store.
type Store struct {
	db           *mongod.Database
	logger       *slog.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	listener graph.Listener
	known    map[string]bool
	stop     chan struct{}
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a new MongoDB store. The caller owns the db lifecycle; the
// Store will not disconnect it.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:           db,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *mongo.Database for advanced usage.
func (s *Store) DB() *mongod.Database { return s.db }

func (s *Store) col() *mongod.Collection { return s.db.Collection(colJobGraphs) }

// Ping checks server connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Start snapshots the current graph ID set and begins polling for peer
// mutations, delivering the diffs to the listener.
func (s *Store) Start(ctx context.Context, listener graph.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("steward/mongo: start: %w", graph.ErrStoreStopped)
	}
	if s.started {
		return fmt.Errorf("steward/mongo: store already started")
	}

	ids, err := s.enumerate(ctx)
	if err != nil {
		return fmt.Errorf("steward/mongo: start: %w", err)
	}
	known := make(map[string]bool, len(ids))
	for _, graphID := range ids {
		known[graphID.String()] = true
	}

	s.started = true
	s.listener = listener
	s.known = known
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.poll(s.stop)
	return nil
}

// Stop ends polling and unregisters the listener. The stored graphs
// survive for the next leader to recover.
func (s *Store) Stop(_ context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.listener = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// poll re-enumerates the graph ID set on a ticker and dispatches the
// difference against the last known set.
func (s *Store) poll(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval)
		ids, err := s.enumerate(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("mongo store: poll enumerate", slog.String("error", err.Error()))
			continue
		}

		current := make(map[string]bool, len(ids))
		for _, graphID := range ids {
			current[graphID.String()] = true
		}

		s.mu.Lock()
		listener := s.listener
		var added, removed []id.GraphID
		for _, graphID := range ids {
			if !s.known[graphID.String()] {
				added = append(added, graphID)
			}
		}
		for raw := range s.known {
			if !current[raw] {
				// The raw form came from a parsed ID, so this cannot fail.
				graphID, parseErr := id.ParseGraphID(raw)
				if parseErr == nil {
					removed = append(removed, graphID)
				}
			}
		}
		s.known = current
		s.mu.Unlock()

		if listener == nil {
			continue
		}
		for _, graphID := range added {
			listener.OnAddedJobGraph(graphID)
		}
		for _, graphID := range removed {
			listener.OnRemovedJobGraph(graphID)
		}
	}
}

// enumerate fetches all graph IDs from the collection.
func (s *Store) enumerate(ctx context.Context) ([]id.GraphID, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cur, err := s.col().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find graph ids: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	var ids []id.GraphID
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode graph id: %w", err)
		}
		graphID, err := id.ParseGraphID(doc.ID)
		if err != nil {
			return nil, fmt.Errorf("parse graph id %q: %w", doc.ID, err)
		}
		ids = append(ids, graphID)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate graph ids: %w", err)
	}
	return ids, nil
}

// JobIDs enumerates all persisted job graph IDs.
func (s *Store) JobIDs(ctx context.Context) ([]id.GraphID, error) {
	ids, err := s.enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("steward/mongo: %w", err)
	}
	return ids, nil
}

// RecoverJobGraph fetches one persisted job graph by ID.
func (s *Store) RecoverJobGraph(ctx context.Context, graphID id.GraphID) (*graph.JobGraph, error) {
	var m jobGraphModel
	err := s.col().FindOne(ctx, bson.M{"_id": graphID.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, fmt.Errorf("steward/mongo: recover %s: %w", graphID, graph.ErrNotFound)
		}
		return nil, fmt.Errorf("steward/mongo: recover %s: %w", graphID, err)
	}
	return fromJobGraphModel(&m)
}

// PutJobGraph upserts a job graph. Local inserts are folded into the
// known set so the poller does not report the store's own mutations.
func (s *Store) PutJobGraph(ctx context.Context, g *graph.JobGraph) error {
	m := toJobGraphModel(g)
	m.UpdatedAt = time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}

	opts := options.Replace().SetUpsert(true)
	res, err := s.col().ReplaceOne(ctx, bson.M{"_id": m.ID}, m, opts)
	if err != nil {
		return fmt.Errorf("steward/mongo: put %s: %w", g.ID, err)
	}

	if res.UpsertedCount > 0 {
		s.mu.Lock()
		if s.known != nil {
			s.known[m.ID] = true
		}
		s.mu.Unlock()
	}
	return nil
}

// RemoveJobGraph deletes a job graph. Removing an absent graph is a
// no-op. Local deletes are folded into the known set so the poller does
// not report the store's own mutations.
func (s *Store) RemoveJobGraph(ctx context.Context, graphID id.GraphID) error {
	res, err := s.col().DeleteOne(ctx, bson.M{"_id": graphID.String()})
	if err != nil {
		return fmt.Errorf("steward/mongo: remove %s: %w", graphID, err)
	}

	if res.DeletedCount > 0 {
		s.mu.Lock()
		if s.known != nil {
			delete(s.known, graphID.String())
		}
		s.mu.Unlock()
	}
	return nil
}
