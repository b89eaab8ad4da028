// Package runner ties a leader elector to the per-term leader process
// lifecycle: each granted leadership term produces one steward.Process,
// the previous term's process is fully torn down before the new one
// starts, and fatal process errors are funneled to a single handler.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xraph/steward"
	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/future"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// Compile-time interface checks.
var (
	_ ElectionListener          = (*Runner)(nil)
	_ steward.FatalErrorHandler = (*processFatalHandler)(nil)
)

// ElectionListener receives leadership transitions from an Elector.
// Callbacks may be invoked from any goroutine; implementations must not
// block in them.
type ElectionListener interface {
	// GrantLeadership announces a new leadership term identified by a
	// fresh session ID.
	GrantLeadership(session id.SessionID)

	// RevokeLeadership announces the loss of the current term.
	RevokeLeadership()
}

// Elector drives leader election and reports transitions to a listener.
type Elector interface {
	// Start begins campaigning. Transitions are delivered to listener
	// until Stop.
	Start(ctx context.Context, listener ElectionListener) error

	// Stop resigns any held leadership and ends campaigning.
	Stop(ctx context.Context) error
}

// ProcessFactory creates one leader process per leadership term.
type ProcessFactory interface {
	NewProcess(session id.SessionID, fatal steward.FatalErrorHandler) *steward.Process
}

// ProcessFactoryFunc adapts a function to the ProcessFactory interface.
type ProcessFactoryFunc func(session id.SessionID, fatal steward.FatalErrorHandler) *steward.Process

// NewProcess calls f.
func (f ProcessFactoryFunc) NewProcess(session id.SessionID, fatal steward.FatalErrorHandler) *steward.Process {
	return f(session, fatal)
}

// NewSessionFactory returns a ProcessFactory producing session processes.
// newStore is called once per term; each process owns its store instance
// from Start until teardown, so a shared instance cannot be reused.
func NewSessionFactory(
	newStore func() graph.Store,
	factory dispatcher.Factory,
	opts ...steward.Option,
) ProcessFactory {
	return ProcessFactoryFunc(func(session id.SessionID, fatal steward.FatalErrorHandler) *steward.Process {
		return steward.NewSessionProcess(session, newStore(), factory, fatal, opts...)
	})
}

// NewSingleJobFactory returns a ProcessFactory producing single-job
// processes pre-loaded with jobGraph.
func NewSingleJobFactory(
	jobGraph *graph.JobGraph,
	factory dispatcher.Factory,
	opts ...steward.Option,
) ProcessFactory {
	return ProcessFactoryFunc(func(session id.SessionID, fatal steward.FatalErrorHandler) *steward.Process {
		return steward.NewSingleJobProcess(session, jobGraph.Clone(), factory, fatal, opts...)
	})
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// processFatalHandler routes one process's fatal errors back to the
// runner together with the identity of the failing process, so a stale
// term's error cannot unseat its successor.
type processFatalHandler struct {
	runner  *Runner
	process *steward.Process
}

// OnFatalError implements steward.FatalErrorHandler.
func (h *processFatalHandler) OnFatalError(err error) {
	h.runner.onProcessFatal(h.process, err)
}

// Runner owns the current leader process across leadership terms. It is
// the Elector's listener and hands every process a per-term fatal error
// handler.
type Runner struct {
	elector Elector
	factory ProcessFactory
	fatal   steward.FatalErrorHandler
	logger  *slog.Logger

	mu      sync.Mutex
	current *steward.Process
	closed  bool

	termination *future.Future[error]
}

// New creates a Runner. Call Start to begin campaigning.
func New(elector Elector, factory ProcessFactory, fatal steward.FatalErrorHandler, opts ...Option) *Runner {
	r := &Runner{
		elector:     elector,
		factory:     factory,
		fatal:       fatal,
		logger:      slog.Default(),
		termination: future.New[error](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the runner with the elector and begins campaigning.
func (r *Runner) Start(ctx context.Context) error {
	return r.elector.Start(ctx, r)
}

// CurrentProcess returns the process of the current leadership term, or
// nil when leadership is not held.
func (r *Runner) CurrentProcess() *steward.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Gateway resolves the dispatcher gateway of the current leadership
// term, blocking until the term's recovery completes or ctx is done.
// Returns an error when leadership is not held.
func (r *Runner) Gateway(ctx context.Context) (dispatcher.Gateway, error) {
	p := r.CurrentProcess()
	if p == nil {
		return nil, errors.New("runner: leadership not held")
	}
	return p.DispatcherGatewayFuture().Get(ctx)
}

// GrantLeadership creates the new term's process and starts it once the
// previous term's process has fully terminated. A term that is
// superseded or closed before the handover completes never starts.
func (r *Runner) GrantLeadership(session id.SessionID) {
	h := &processFatalHandler{runner: r}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	prev := r.current
	p := r.factory.NewProcess(session, h)
	// A process reports no fatal error before Start, so binding after
	// construction is safe.
	h.process = p
	r.current = p
	r.mu.Unlock()

	r.logger.Info("leadership granted", slog.String("session_id", session.String()))

	go func() {
		if prev != nil {
			awaitTermination(prev)
		}

		r.mu.Lock()
		stale := r.closed || r.current != p
		r.mu.Unlock()
		if stale {
			p.CloseAsync()
			return
		}
		p.Start()
	}()
}

// RevokeLeadership closes the current term's process.
func (r *Runner) RevokeLeadership() {
	r.mu.Lock()
	prev := r.current
	r.current = nil
	r.mu.Unlock()

	if prev == nil {
		return
	}
	r.logger.Info("leadership revoked",
		slog.String("session_id", prev.LeaderSessionID().String()))
	prev.CloseAsync()
}

// onProcessFatal relinquishes the failing term and forwards the error.
// A superseded process may still report a fatal error in the window
// before the handover goroutine closes it; only the current term is
// unseated by its own failure.
func (r *Runner) onProcessFatal(p *steward.Process, err error) {
	r.logger.Error("leader process failed",
		slog.String("session_id", p.LeaderSessionID().String()),
		slog.String("error", err.Error()))

	r.mu.Lock()
	if r.current == p {
		r.current = nil
	}
	r.mu.Unlock()

	r.fatal.OnFatalError(err)
}

// CloseAsync resigns leadership, stops the elector, and tears down the
// current process. Idempotent; every caller gets the same termination
// future.
func (r *Runner) CloseAsync() *future.Future[error] {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.termination
	}
	r.closed = true
	prev := r.current
	r.current = nil
	r.mu.Unlock()

	go func() {
		var errs []error
		if err := r.elector.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
		if prev != nil {
			if err := awaitTermination(prev); err != nil {
				errs = append(errs, err)
			}
		}
		r.termination.Complete(errors.Join(errs...))
	}()
	return r.termination
}

// awaitTermination closes p and blocks until its teardown finishes.
func awaitTermination(p *steward.Process) error {
	termErr, err := p.CloseAsync().Get(context.Background())
	if err != nil {
		return err
	}
	return termErr
}
