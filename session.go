package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// sessionStrategy recovers every persisted job graph on start, creates
// the dispatcher gateway service from the recovered set, and serializes
// subsequent store notifications behind that recovery on the operation
// chain.
type sessionStrategy struct {
	p       *Process
	store   graph.Store
	factory dispatcher.Factory
	chain   *opChain
	logger  *slog.Logger
}

var _ graph.Listener = (*sessionStrategy)(nil)

// NewSessionProcess creates a leader process that recovers all job
// graphs persisted in store and keeps the resulting dispatcher gateway
// service consistent with concurrent store mutations by other cluster
// members. The process owns the store from Start until teardown.
func NewSessionProcess(
	session id.SessionID,
	store graph.Store,
	factory dispatcher.Factory,
	fatal FatalErrorHandler,
	opts ...Option,
) *Process {
	p := newProcess(session, fatal, opts...)
	p.strategy = &sessionStrategy{
		p:       p,
		store:   store,
		factory: factory,
		chain:   newOpChain(),
		logger:  p.logger,
	}
	return p
}

// onStart registers the strategy as the store's mutation listener and
// seeds the operation chain with the bulk recovery. From the moment
// Start returns the store may invoke the listener callbacks on any
// goroutine, concurrently with recovery; the chain defers them behind it.
func (s *sessionStrategy) onStart() error {
	if err := s.store.Start(context.Background(), s); err != nil {
		return fmt.Errorf("steward: start job graph store: %w", err)
	}

	s.chain.append(s.recoverAndCreateService, s.p.onErrorIfRunning)
	return nil
}

// onClose releases the job graph store. The dispatcher gateway service
// has already been closed by the process at this point, and the process
// left RUNNING before this runs, so no in-flight chain operation can
// touch the store concurrently.
func (s *sessionStrategy) onClose(ctx context.Context) error {
	if err := s.store.Stop(ctx); err != nil {
		return fmt.Errorf("steward: stop job graph store: %w", err)
	}
	return nil
}

// recoverAndCreateService is the head of the operation chain: bulk
// recovery followed by dispatcher gateway service creation. If the
// process already left RUNNING the store is not touched at all.
func (s *sessionStrategy) recoverAndCreateService() error {
	if !s.p.isRunning() {
		return nil
	}

	graphs, err := s.recoverJobGraphs(context.Background())
	if err != nil {
		return err
	}

	var createErr error
	s.p.runIfRunning(func() {
		svc, ferr := s.factory.Create(id.NewFencingToken(s.p.sessionID), graphs, s.store)
		if ferr != nil {
			createErr = fmt.Errorf("steward: create dispatcher gateway service: %w", ferr)
			return
		}
		s.p.completeDispatcherSetupLocked(svc)
	})
	return createErr
}

// recoverJobGraphs enumerates all persisted graph IDs and fetches each
// definition. A graph that disappears between enumeration and fetch is a
// store inconsistency, reported like any other store failure; the first
// failure cancels the remaining fetches.
func (s *sessionStrategy) recoverJobGraphs(ctx context.Context) ([]*graph.JobGraph, error) {
	s.logger.Info("recovering persisted job graphs")

	ids, err := s.store.JobIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("steward: enumerate persisted job graphs: %w", err)
	}

	graphs := make([]*graph.JobGraph, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, graphID := range ids {
		eg.Go(func() error {
			jg, rerr := s.store.RecoverJobGraph(egCtx, graphID)
			if rerr != nil {
				return fmt.Errorf("steward: recover job graph %s: %w", graphID, rerr)
			}
			graphs[i] = jg
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("recovered persisted job graphs", slog.Int("count", len(graphs)))
	return graphs, nil
}

// OnAddedJobGraph implements graph.Listener. The submission is appended
// to the operation chain so it observes the dispatcher gateway service
// in the state left by recovery and by every earlier notification.
func (s *sessionStrategy) OnAddedJobGraph(graphID id.GraphID) {
	s.p.runIfRunning(func() {
		s.logger.Debug("job graph added by another cluster member",
			slog.String("graph_id", graphID.String()))

		s.chain.append(func() error {
			return s.recoverAndSubmit(graphID)
		}, s.p.onErrorIfRunning)
	})
}

func (s *sessionStrategy) recoverAndSubmit(graphID id.GraphID) error {
	if !s.p.isRunning() {
		return nil
	}

	jg, err := s.store.RecoverJobGraph(context.Background(), graphID)
	if err != nil {
		return fmt.Errorf("steward: recover added job graph %s: %w", graphID, err)
	}

	gw, ok := s.p.gatewayIfRunning()
	if !ok {
		return nil
	}

	if err := gw.SubmitJob(context.Background(), jg); err != nil {
		if errors.Is(err, dispatcher.ErrDuplicateJob) {
			// Benign race: the graph was already part of recovery or an
			// earlier notification.
			s.logger.Debug("ignoring added job graph, already being executed",
				slog.String("graph_id", graphID.String()))
			return nil
		}
		return fmt.Errorf("steward: submit added job graph %s: %w", graphID, err)
	}
	return nil
}

// OnRemovedJobGraph implements graph.Listener.
func (s *sessionStrategy) OnRemovedJobGraph(graphID id.GraphID) {
	s.p.runIfRunning(func() {
		s.logger.Debug("job graph removed by another cluster member",
			slog.String("graph_id", graphID.String()))

		s.chain.append(func() error {
			return s.removeJob(graphID)
		}, s.p.onErrorIfRunning)
	})
}

func (s *sessionStrategy) removeJob(graphID id.GraphID) error {
	svc, ok := s.p.serviceIfRunning()
	if !ok {
		return nil
	}

	if err := svc.OnRemovedJobGraph(context.Background(), graphID); err != nil {
		return fmt.Errorf("steward: drop removed job graph %s: %w", graphID, err)
	}
	return nil
}
