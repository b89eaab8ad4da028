package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/steward/backoff"
	"github.com/xraph/steward/future"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

// meterName is the instrumentation scope name for dispatcher metrics.
const meterName = "github.com/xraph/steward/dispatcher"

// Compile-time interface checks.
var (
	_ GatewayService = (*Service)(nil)
	_ Gateway        = (*Service)(nil)
)

// JobRunner executes one job graph to completion. It is called on a
// dedicated goroutine per tracked job; the context is cancelled when the
// job is untracked or the service closes. A nil return is a successful
// terminal outcome.
type JobRunner func(ctx context.Context, g *graph.JobGraph) error

// Service is the default gateway service implementation: it tracks the
// submitted job set and executes each job on its own runner goroutine with
// retry backoff. It is the factory product used by deployments that embed
// the execution runtime in-process; remote runtimes implement
// GatewayService against their own transport instead.
type Service struct {
	token         id.FencingToken
	runner        JobRunner
	bo            backoff.Strategy
	maxRetries    int
	address       string
	runToComplete bool
	logger        *slog.Logger

	submitted metric.Int64Counter
	removed   metric.Int64Counter
	finished  metric.Int64Counter

	mu        sync.Mutex
	jobs      map[string]*trackedJob
	closed    bool
	anyFailed bool
	wg        sync.WaitGroup

	shutDown    *future.Future[ApplicationStatus]
	termination *future.Future[error]
}

type trackedJob struct {
	g        *graph.JobGraph
	cancel   context.CancelFunc
	terminal bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithAddress sets the gateway address reported to leader-address readers.
func WithAddress(addr string) ServiceOption {
	return func(s *Service) { s.address = addr }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) ServiceOption {
	return func(s *Service) { s.bo = b }
}

// WithMaxRetries sets how many times a failed job run is retried before
// the job is considered terminally failed.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) { s.maxRetries = n }
}

// WithRunToCompletion makes the service complete its shutdown future once
// every tracked job has reached a terminal outcome. Single-job
// deployments use this as their natural exit point.
func WithRunToCompletion() ServiceOption {
	return func(s *Service) { s.runToComplete = true }
}

// WithMeter sets the OTel meter used for service counters. Defaults to
// the global provider's meter; the OTel API guarantees noop fallbacks,
// so metrics never fail construction.
func WithMeter(m metric.Meter) ServiceOption {
	return func(s *Service) { s.initInstruments(m) }
}

// NewService creates a Service. The returned service tracks no jobs; the
// caller submits recovered jobs through the gateway (NewFactory does this
// for leader-process integration).
func NewService(token id.FencingToken, runner JobRunner, opts ...ServiceOption) *Service {
	s := &Service{
		token:       token,
		runner:      runner,
		bo:          backoff.DefaultStrategy(),
		maxRetries:  3,
		address:     "inproc://" + token.String(),
		logger:      slog.Default(),
		jobs:        make(map[string]*trackedJob),
		shutDown:    future.New[ApplicationStatus](),
		termination: future.New[error](),
	}
	s.initInstruments(otel.Meter(meterName))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFactory returns a Factory producing a Service per leadership term.
// Recovered job graphs are submitted before the service is handed back;
// a submission failure fails the Create call.
func NewFactory(runner JobRunner, opts ...ServiceOption) Factory {
	return FactoryFunc(func(token id.FencingToken, recovered []*graph.JobGraph, _ graph.Store) (GatewayService, error) {
		s := NewService(token, runner, opts...)
		for _, g := range recovered {
			if err := s.SubmitJob(context.Background(), g); err != nil {
				s.CloseAsync()
				return nil, fmt.Errorf("dispatcher: submit recovered job graph %s: %w", g.ID, err)
			}
		}
		return s, nil
	})
}

func (s *Service) initInstruments(meter metric.Meter) {
	// The OTel API falls back to noop instruments on error.
	s.submitted, _ = meter.Int64Counter( //nolint:errcheck
		"steward.dispatcher.jobs.submitted",
		metric.WithDescription("Total job graphs accepted by the gateway"),
		metric.WithUnit("{job}"),
	)
	s.removed, _ = meter.Int64Counter( //nolint:errcheck
		"steward.dispatcher.jobs.removed",
		metric.WithDescription("Total job graphs untracked after store removal"),
		metric.WithUnit("{job}"),
	)
	s.finished, _ = meter.Int64Counter( //nolint:errcheck
		"steward.dispatcher.jobs.finished",
		metric.WithDescription("Total job runs that reached a terminal outcome"),
		metric.WithUnit("{job}"),
	)
}

// FencingToken returns the leadership token this service was created for.
func (s *Service) FencingToken() id.FencingToken { return s.token }

// Gateway returns the submission gateway.
func (s *Service) Gateway() Gateway { return s }

// Address identifies where this gateway is reachable.
func (s *Service) Address() string { return s.address }

// TrackedJobs returns the IDs of all currently tracked job graphs.
func (s *Service) TrackedJobs() []id.GraphID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]id.GraphID, 0, len(s.jobs))
	for _, tj := range s.jobs {
		ids = append(ids, tj.g.ID)
	}
	return ids
}

// SubmitJob accepts a job graph and starts executing it. Submitting a
// graph that is already tracked fails with a wrapped ErrDuplicateJob.
func (s *Service) SubmitJob(ctx context.Context, g *graph.JobGraph) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("dispatcher: submit job graph %s: %w", g.ID, ErrServiceClosed)
	}
	key := g.ID.String()
	if _, exists := s.jobs[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("dispatcher: job graph %s: %w", g.ID, ErrDuplicateJob)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	tj := &trackedJob{g: g.Clone(), cancel: cancel}
	s.jobs[key] = tj
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("job graph submitted",
		slog.String("graph_id", g.ID.String()),
		slog.String("name", g.Name),
	)
	s.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph_name", g.Name),
	))

	go s.runJob(runCtx, tj)
	return nil
}

// OnRemovedJobGraph stops tracking a job whose graph was removed from the
// shared store. Unknown IDs are a no-op.
func (s *Service) OnRemovedJobGraph(ctx context.Context, graphID id.GraphID) error {
	s.mu.Lock()
	tj, ok := s.jobs[graphID.String()]
	if ok {
		delete(s.jobs, graphID.String())
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	tj.cancel()
	s.logger.Info("job graph untracked", slog.String("graph_id", graphID.String()))
	s.removed.Add(ctx, 1)
	return nil
}

// ShutDownFuture completes when the service decides to shut down on its
// own, e.g. all jobs terminal in run-to-completion mode.
func (s *Service) ShutDownFuture() *future.Future[ApplicationStatus] {
	return s.shutDown
}

// CloseAsync starts an asynchronous shutdown: all runner goroutines are
// cancelled and drained. Idempotent; every caller gets the same
// termination future.
func (s *Service) CloseAsync() *future.Future[error] {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.termination
	}
	s.closed = true
	for _, tj := range s.jobs {
		tj.cancel()
	}
	s.mu.Unlock()

	s.logger.Info("dispatcher service closing", slog.String("token", s.token.String()))

	// The shutdown future stays incomplete: it only ever carries a
	// decision the service made on its own, never an external close.

	go func() {
		s.wg.Wait()
		s.termination.Complete(nil)
	}()
	return s.termination
}

// runJob executes one tracked job with retries until a terminal outcome
// or cancellation.
func (s *Service) runJob(ctx context.Context, tj *trackedJob) {
	defer s.wg.Done()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.bo.Delay(attempt)):
			case <-ctx.Done():
				return
			}
		}

		lastErr = s.runner(ctx, tj.g)
		if lastErr == nil {
			s.markTerminal(ctx, tj, nil)
			return
		}
		if ctx.Err() != nil {
			// Untracked or closing; not a terminal outcome of the job.
			return
		}
		if attempt >= s.maxRetries {
			s.markTerminal(ctx, tj, lastErr)
			return
		}

		s.logger.Warn("job run failed, retrying",
			slog.String("graph_id", tj.g.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
}

func (s *Service) markTerminal(ctx context.Context, tj *trackedJob, runErr error) {
	status := "ok"
	if runErr != nil {
		status = "error"
		s.logger.Error("job reached terminal failure",
			slog.String("graph_id", tj.g.ID.String()),
			slog.String("error", runErr.Error()),
		)
	} else {
		s.logger.Info("job finished", slog.String("graph_id", tj.g.ID.String()))
	}
	s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	s.mu.Lock()
	tj.terminal = true
	if runErr != nil {
		s.anyFailed = true
	}
	fire := s.runToComplete && !s.closed && s.allTerminalLocked()
	failed := s.anyFailed
	s.mu.Unlock()

	if fire {
		outcome := StatusSucceeded
		if failed {
			outcome = StatusFailed
		}
		s.shutDown.Complete(outcome)
	}
}

func (s *Service) allTerminalLocked() bool {
	if len(s.jobs) == 0 {
		return false
	}
	for _, tj := range s.jobs {
		if !tj.terminal {
			return false
		}
	}
	return true
}
