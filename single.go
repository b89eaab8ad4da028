package steward

import (
	"context"
	"fmt"

	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// singleJobStrategy runs exactly one pre-loaded job graph: no store, no
// listener, no recovery. Combined with a run-to-completion dispatcher
// service it gives single-job deployments a natural exit point — the
// process's shutdown future fires when the job reaches a terminal
// outcome, without any external close request.
type singleJobStrategy struct {
	p        *Process
	jobGraph *graph.JobGraph
	factory  dispatcher.Factory
}

// NewSingleJobProcess creates a leader process pre-loaded with exactly
// one job graph. The factory receives the graph as the recovered set; a
// submission failure during creation is fatal.
func NewSingleJobProcess(
	session id.SessionID,
	jobGraph *graph.JobGraph,
	factory dispatcher.Factory,
	fatal FatalErrorHandler,
	opts ...Option,
) *Process {
	p := newProcess(session, fatal, opts...)
	p.strategy = &singleJobStrategy{
		p:        p,
		jobGraph: jobGraph,
		factory:  factory,
	}
	return p
}

// onStart runs with the state lock held; there is nothing asynchronous
// to defer because the single graph is already in hand.
func (s *singleJobStrategy) onStart() error {
	svc, err := s.factory.Create(
		id.NewFencingToken(s.p.sessionID),
		[]*graph.JobGraph{s.jobGraph},
		nil,
	)
	if err != nil {
		return fmt.Errorf("steward: create dispatcher gateway service for job %s: %w", s.jobGraph.ID, err)
	}

	s.p.completeDispatcherSetupLocked(svc)
	return nil
}

func (s *singleJobStrategy) onClose(_ context.Context) error {
	return nil
}
