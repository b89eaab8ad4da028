// Package redis implements graph.Store using Redis. Job graphs are stored
// as JSON values with a Set for enumeration, and mutation notifications
// travel over a Pub/Sub channel so every cluster member observes graphs
// added or removed by its peers.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// Compile-time interface check.
var _ graph.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// mutationEvent is the Pub/Sub payload for a graph mutation. Origin lets
// a store skip the echo of its own publishes: the listener contract only
// covers mutations performed by other cluster members.
type mutationEvent struct {
	Op      string `json:"op"`
	GraphID string `json:"graph_id"`
	Origin  string `json:"origin"`
}

const (
	opAdded   = "added"
	opRemoved = "removed"
)

// Store implements graph.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	origin string
	logger *slog.Logger

	mu       sync.Mutex
	listener graph.Listener
	sub      *goredis.PubSub
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		origin: id.New(id.PrefixStore).String(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Start subscribes to the mutation channel and begins delivering
// notifications to the listener.
func (s *Store) Start(ctx context.Context, listener graph.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("redis: start: %w", graph.ErrStoreStopped)
	}
	if s.started {
		return fmt.Errorf("redis: store already started")
	}

	sub := s.client.Subscribe(ctx, eventsChannel)
	// Confirm the subscription before accepting mutations, otherwise a
	// peer's publish could race past an unestablished subscriber.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", eventsChannel, err)
	}

	s.started = true
	s.listener = listener
	s.sub = sub
	s.wg.Add(1)
	go s.consume(sub.Channel())
	return nil
}

// Stop closes the subscription and unregisters the listener. The stored
// graphs survive for the next leader to recover.
func (s *Store) Stop(_ context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.listener = nil
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("redis: close subscription: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// consume dispatches mutation events until the subscription closes.
func (s *Store) consume(ch <-chan *goredis.Message) {
	defer s.wg.Done()

	for msg := range ch {
		var ev mutationEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn("redis store: malformed mutation event",
				slog.String("payload", msg.Payload),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ev.Origin == s.origin {
			continue
		}
		graphID, err := id.ParseGraphID(ev.GraphID)
		if err != nil {
			s.logger.Warn("redis store: mutation event with bad graph id",
				slog.String("graph_id", ev.GraphID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener == nil {
			continue
		}

		switch ev.Op {
		case opAdded:
			listener.OnAddedJobGraph(graphID)
		case opRemoved:
			listener.OnRemovedJobGraph(graphID)
		default:
			s.logger.Warn("redis store: unknown mutation op", slog.String("op", ev.Op))
		}
	}
}

// JobIDs enumerates all persisted job graph IDs.
func (s *Store) JobIDs(ctx context.Context) ([]id.GraphID, error) {
	members, err := s.client.SMembers(ctx, graphIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: enumerate job graph ids: %w", err)
	}

	ids := make([]id.GraphID, 0, len(members))
	for _, m := range members {
		graphID, err := id.ParseGraphID(m)
		if err != nil {
			return nil, fmt.Errorf("redis: enumerate job graph ids: parse %q: %w", m, err)
		}
		ids = append(ids, graphID)
	}
	return ids, nil
}

// RecoverJobGraph fetches one persisted job graph by ID.
func (s *Store) RecoverJobGraph(ctx context.Context, graphID id.GraphID) (*graph.JobGraph, error) {
	raw, err := s.client.Get(ctx, graphKey(graphID.String())).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: recover %s: %w", graphID, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: recover %s: %w", graphID, err)
	}

	var g graph.JobGraph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("redis: recover %s: decode: %w", graphID, err)
	}
	return &g, nil
}

// PutJobGraph persists a job graph and publishes an added event for peers
// when the graph is new.
func (s *Store) PutJobGraph(ctx context.Context, g *graph.JobGraph) error {
	cp := g.Clone()
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis: put %s: encode: %w", g.ID, err)
	}

	gID := g.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, graphKey(gID), raw, 0)
	added := pipe.SAdd(ctx, graphIDsKey, gID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put %s: %w", g.ID, err)
	}

	// SAdd reports 1 only on first insertion; overwrites are not "added".
	if added.Val() > 0 {
		s.publish(ctx, opAdded, gID)
	}
	return nil
}

// RemoveJobGraph deletes a job graph and publishes a removed event for
// peers if the graph existed. Removing an absent graph is a no-op.
func (s *Store) RemoveJobGraph(ctx context.Context, graphID id.GraphID) error {
	gID := graphID.String()
	pipe := s.client.TxPipeline()
	removed := pipe.SRem(ctx, graphIDsKey, gID)
	pipe.Del(ctx, graphKey(gID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove %s: %w", graphID, err)
	}

	if removed.Val() > 0 {
		s.publish(ctx, opRemoved, gID)
	}
	return nil
}

// publish broadcasts a mutation event. Delivery is best-effort: graphs a
// peer misses here are still picked up by its next recovery enumeration.
func (s *Store) publish(ctx context.Context, op, graphID string) {
	raw, err := json.Marshal(mutationEvent{Op: op, GraphID: graphID, Origin: s.origin})
	if err != nil {
		s.logger.Error("redis store: encode mutation event", slog.String("error", err.Error()))
		return
	}
	if err := s.client.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		s.logger.Warn("redis store: publish mutation event",
			slog.String("op", op),
			slog.String("graph_id", graphID),
			slog.String("error", err.Error()),
		)
	}
}
