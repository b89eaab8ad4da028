package bunstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// notifyChannel is the Postgres NOTIFY channel carrying graph mutation
// events.
const notifyChannel = "steward_graph_events"

// Compile-time interface check.
var _ graph.Store = (*Store)(nil)

// mutationEvent is the NOTIFY payload for a graph mutation. Origin lets a
// store skip the echo of its own notifies: the listener contract only
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

// Store is a Bun ORM implementation of graph.Store using PostgreSQL
// dialect. The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	origin string
	logger *slog.Logger

	mu       sync.Mutex
	listener graph.Listener
	ln       *pgdriver.Listener
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Bun store. The caller owns the db lifecycle — the
// Store will not close it.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		origin: id.New(id.PrefixStore).String(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open is a convenience constructor that dials Postgres at dsn and wraps
// it in a Bun DB with the pg dialect. Unlike New, the Store built here
// still does not own the returned *bun.DB; close it when done.
func Open(dsn string, opts ...Option) (*Store, *bun.DB) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return New(db, opts...), db
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	// Create migrations tracking table.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS steward_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("steward/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("steward/bun: read migrations: %w", err)
	}

	// Sort by filename for deterministic order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM steward_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("steward/bun: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("steward/bun: read migration %s: %w", entry.Name(), readErr)
		}

		if _, execErr := s.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("steward/bun: execute migration %s: %w", entry.Name(), execErr)
		}

		if _, recErr := s.db.ExecContext(ctx,
			`INSERT INTO steward_migrations (filename) VALUES (?)`,
			entry.Name(),
		); recErr != nil {
			return fmt.Errorf("steward/bun: record migration %s: %w", entry.Name(), recErr)
		}

		s.logger.Info("applied migration", "file", entry.Name())
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Start opens a LISTEN session on the mutation channel and begins
// delivering notifications to the listener.
func (s *Store) Start(ctx context.Context, listener graph.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("steward/bun: start: %w", graph.ErrStoreStopped)
	}
	if s.started {
		return fmt.Errorf("steward/bun: store already started")
	}

	ln := pgdriver.NewListener(s.db)
	if err := ln.Listen(ctx, notifyChannel); err != nil {
		return fmt.Errorf("steward/bun: listen %s: %w", notifyChannel, err)
	}

	s.started = true
	s.listener = listener
	s.ln = ln
	s.wg.Add(1)
	go s.consume(ln.Channel())
	return nil
}

// Stop closes the LISTEN session and unregisters the listener. The stored
// graphs survive for the next leader to recover.
func (s *Store) Stop(_ context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.listener = nil
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			return fmt.Errorf("steward/bun: close listener: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// consume dispatches mutation events until the LISTEN session closes.
func (s *Store) consume(ch <-chan pgdriver.Notification) {
	defer s.wg.Done()

	for notif := range ch {
		var ev mutationEvent
		if err := json.Unmarshal([]byte(notif.Payload), &ev); err != nil {
			s.logger.Warn("bun store: malformed mutation event",
				slog.String("payload", notif.Payload),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ev.Origin == s.origin {
			continue
		}
		graphID, err := id.ParseGraphID(ev.GraphID)
		if err != nil {
			s.logger.Warn("bun store: mutation event with bad graph id",
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
			s.logger.Warn("bun store: unknown mutation op", slog.String("op", ev.Op))
		}
	}
}

// JobIDs enumerates all persisted job graph IDs.
func (s *Store) JobIDs(ctx context.Context) ([]id.GraphID, error) {
	var rawIDs []string
	err := s.db.NewSelect().
		Model((*jobGraphModel)(nil)).
		Column("id").
		Scan(ctx, &rawIDs)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: enumerate job graph ids: %w", err)
	}

	ids := make([]id.GraphID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		graphID, err := id.ParseGraphID(raw)
		if err != nil {
			return nil, fmt.Errorf("steward/bun: enumerate job graph ids: parse %q: %w", raw, err)
		}
		ids = append(ids, graphID)
	}
	return ids, nil
}

// RecoverJobGraph fetches one persisted job graph by ID.
func (s *Store) RecoverJobGraph(ctx context.Context, graphID id.GraphID) (*graph.JobGraph, error) {
	m := new(jobGraphModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", graphID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("steward/bun: recover %s: %w", graphID, graph.ErrNotFound)
		}
		return nil, fmt.Errorf("steward/bun: recover %s: %w", graphID, err)
	}
	return fromJobGraphModel(m)
}

// PutJobGraph persists a job graph and notifies peers when the graph is
// new. Overwrites of an existing graph are not "added".
func (s *Store) PutJobGraph(ctx context.Context, g *graph.JobGraph) error {
	m := toJobGraphModel(g)
	m.UpdatedAt = time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}

	res, err := s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: put %s: %w", g.ID, err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		s.notify(ctx, opAdded, g.ID.String())
		return nil
	}

	if _, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("steward/bun: put %s: %w", g.ID, err)
	}
	return nil
}

// RemoveJobGraph deletes a job graph and notifies peers if the graph
// existed. Removing an absent graph is a no-op.
func (s *Store) RemoveJobGraph(ctx context.Context, graphID id.GraphID) error {
	res, err := s.db.NewDelete().
		Model((*jobGraphModel)(nil)).
		Where("id = ?", graphID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("steward/bun: remove %s: %w", graphID, err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		s.notify(ctx, opRemoved, graphID.String())
	}
	return nil
}

// notify broadcasts a mutation event over NOTIFY. Delivery is
// best-effort: graphs a peer misses here are still picked up by its next
// recovery enumeration.
func (s *Store) notify(ctx context.Context, op, graphID string) {
	raw, err := json.Marshal(mutationEvent{Op: op, GraphID: graphID, Origin: s.origin})
	if err != nil {
		s.logger.Error("bun store: encode mutation event", slog.String("error", err.Error()))
		return
	}
	if err := pgdriver.Notify(ctx, s.db, notifyChannel, string(raw)); err != nil {
		s.logger.Warn("bun store: notify mutation event",
			slog.String("op", op),
			slog.String("graph_id", graphID),
			slog.String("error", err.Error()),
		)
	}
}
