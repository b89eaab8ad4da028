package steward

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/future"
	"github.com/xraph/steward/id"
)

// State is the lifecycle state of a leader Process.
type State int

// Process states. The only transitions are CREATED→RUNNING (Start),
// RUNNING→STOPPED and CREATED→STOPPED (CloseAsync). There is no way out
// of STOPPED.
const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FatalErrorHandler receives unrecoverable errors from a leader process.
// The handler decides whether to start a new process under a new
// leadership term; the failed process has already begun closing by the
// time the handler is invoked.
type FatalErrorHandler interface {
	OnFatalError(err error)
}

// FatalErrorHandlerFunc adapts a function to the FatalErrorHandler
// interface.
type FatalErrorHandlerFunc func(error)

// OnFatalError calls f.
func (f FatalErrorHandlerFunc) OnFatalError(err error) { f(err) }

// strategy is the variant-specific half of a leader process. Exactly two
// implementations exist: sessionStrategy and singleJobStrategy.
type strategy interface {
	// onStart runs with the process state lock held, immediately after
	// the CREATED→RUNNING transition. It must only kick off asynchronous
	// work; blocking here blocks every other process operation. Because
	// the lock is held, it may call the process's *Locked methods.
	onStart() error

	// onClose tears down strategy resources. It runs after the
	// dispatcher gateway service has finished closing, with the process
	// already in STOPPED.
	onClose(ctx context.Context) error
}

// Process is one leader incarnation of the job-dispatch coordinator.
// It owns the lifecycle of a dispatcher gateway service for exactly one
// leadership session: construct it with NewSessionProcess or
// NewSingleJobProcess, call Start once, and await CloseAsync's
// termination future on teardown.
//
// No externally observable side effect occurs outside the RUNNING state:
// futures stop completing and store notifications become no-ops as soon
// as closing begins.
type Process struct {
	sessionID id.SessionID
	fatal     FatalErrorHandler
	logger    *slog.Logger
	strategy  strategy

	mu      sync.Mutex
	state   State
	service dispatcher.GatewayService

	gatewayFuture     *future.Future[dispatcher.Gateway]
	leaderAddrFuture  *future.Future[string]
	shutDownFuture    *future.Future[dispatcher.ApplicationStatus]
	terminationFuture *future.Future[error]
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the structured logger for the process.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) { p.logger = l }
}

func newProcess(session id.SessionID, fatal FatalErrorHandler, opts ...Option) *Process {
	p := &Process{
		sessionID:         session,
		fatal:             fatal,
		logger:            slog.Default(),
		state:             StateCreated,
		gatewayFuture:     future.New[dispatcher.Gateway](),
		leaderAddrFuture:  future.New[string](),
		shutDownFuture:    future.New[dispatcher.ApplicationStatus](),
		terminationFuture: future.New[error](),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("session_id", session.String()))
	return p
}

// Start transitions the process from CREATED to RUNNING and kicks off the
// strategy. Calling Start twice, or after CloseAsync, is a no-op.
func (p *Process) Start() {
	var startErr error
	p.runIfState(StateCreated, func() {
		p.logger.Info("starting leader process")
		p.state = StateRunning
		startErr = p.strategy.onStart()
	})
	if startErr != nil {
		p.onErrorIfRunning(startErr)
	}
}

// LeaderSessionID returns the leadership session this process serves.
func (p *Process) LeaderSessionID() id.SessionID { return p.sessionID }

// DispatcherGatewayFuture completes with the submission gateway once the
// dispatcher gateway service has been created. It never completes if the
// process closes before recovery finishes.
func (p *Process) DispatcherGatewayFuture() *future.Future[dispatcher.Gateway] {
	return p.gatewayFuture
}

// LeaderAddressFuture completes with the gateway's address; it is derived
// from DispatcherGatewayFuture and has no independent completion path.
func (p *Process) LeaderAddressFuture() *future.Future[string] {
	return p.leaderAddrFuture
}

// ShutDownFuture completes when the dispatcher gateway service decides to
// shut down on its own, carrying the terminal application status.
func (p *Process) ShutDownFuture() *future.Future[dispatcher.ApplicationStatus] {
	return p.shutDownFuture
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CloseAsync starts teardown and returns the termination future. The
// first call closes the dispatcher gateway service (if one was created)
// and then runs the strategy's own teardown; later calls observe the same
// future without re-running anything.
func (p *Process) CloseAsync() *future.Future[error] {
	p.runIfStateNot(StateStopped, p.closeInternalLocked)
	return p.terminationFuture
}

// closeInternalLocked runs with the state lock held.
func (p *Process) closeInternalLocked() {
	p.logger.Info("stopping leader process")
	svc := p.service
	p.state = StateStopped

	go func() {
		var svcErr error
		if svc != nil {
			// Background context: the termination future of the service
			// is completed by the service itself, never cancelled here.
			svcErr, _ = svc.CloseAsync().Get(context.Background())
		}
		closeErr := p.strategy.onClose(context.Background())
		p.terminationFuture.Complete(errors.Join(svcErr, closeErr))
	}()
}

// completeDispatcherSetupLocked installs the created dispatcher gateway
// service. Must be called with the state lock held and state RUNNING.
// Installing a second service is a construction bug, not a runtime
// condition.
func (p *Process) completeDispatcherSetupLocked(svc dispatcher.GatewayService) {
	if p.service != nil {
		panic("steward: dispatcher gateway service can only be set once")
	}
	p.service = svc
	gw := svc.Gateway()
	p.gatewayFuture.Complete(gw)
	p.leaderAddrFuture.Complete(gw.Address())

	// Forward the service's own shutdown decision. The wait is bounded
	// by process teardown: an externally closed service never decided
	// anything, so the process future stays incomplete.
	go func() {
		select {
		case <-svc.ShutDownFuture().Done():
			if status, ok := svc.ShutDownFuture().TryGet(); ok {
				p.shutDownFuture.Complete(status)
			}
		case <-p.terminationFuture.Done():
		}
	}()
}

// onErrorIfRunning is the single fatal-error funnel. Errors surfacing
// after the process left RUNNING belong to superseded work and are
// swallowed; otherwise the process closes and the error is reported once
// to the fatal error handler. It terminates every asynchronous chain a
// strategy produces.
func (p *Process) onErrorIfRunning(err error) {
	if err == nil {
		return
	}
	// Closing under the same lock as the RUNNING check makes the report
	// exactly-once: a concurrent error loses the race and sees STOPPED.
	if p.runIfRunning(p.closeInternalLocked) {
		p.fatal.OnFatalError(err)
	}
}

// runIfState runs action under the state lock iff the state matches.
func (p *Process) runIfState(expected State, action func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != expected {
		return
	}
	action()
}

func (p *Process) runIfStateNot(notExpected State, action func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == notExpected {
		return
	}
	action()
}

// runIfRunning runs action atomically with the RUNNING check: a
// concurrent CloseAsync either happens entirely before (action skipped)
// or entirely after (action completed) the call. Reports whether the
// action ran. The action must not block.
func (p *Process) runIfRunning(action func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return false
	}
	action()
	return true
}

// isRunning is the unsynchronized guard for long I/O bodies: the check
// and the body are not atomic with respect to close, which is acceptable
// because every such body re-checks before touching the gateway.
func (p *Process) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning
}

// gatewayIfRunning returns the submission gateway iff the process is
// RUNNING and the dispatcher gateway service exists.
func (p *Process) gatewayIfRunning() (dispatcher.Gateway, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning || p.service == nil {
		return nil, false
	}
	return p.service.Gateway(), true
}

// serviceIfRunning returns the dispatcher gateway service iff the
// process is RUNNING and the service exists.
func (p *Process) serviceIfRunning() (dispatcher.GatewayService, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning || p.service == nil {
		return nil, false
	}
	return p.service, true
}
