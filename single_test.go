package steward_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/steward"
	"github.com/xraph/steward/backoff"
	"github.com/xraph/steward/dispatcher"
	"github.com/xraph/steward/graph"
	"github.com/xraph/steward/id"
)

func TestSingleJobRunsToCompletion(t *testing.T) {
	g := newGraph("one-shot")
	ran := make(chan struct{})

	factory := dispatcher.NewFactory(
		func(_ context.Context, jg *graph.JobGraph) error {
			if jg.ID != g.ID {
				t.Errorf("runner got graph %v, want %v", jg.ID, g.ID)
			}
			close(ran)
			return nil
		},
		dispatcher.WithRunToCompletion(),
	)

	fatal := &fatalRecorder{}
	p := steward.NewSingleJobProcess(id.NewSessionID(), g, factory, fatal)
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	select {
	case <-ran:
	case <-ctx.Done():
		t.Fatal("job never ran")
	}

	// No external close: the shutdown future completes on its own.
	status, err := p.ShutDownFuture().Get(ctx)
	if err != nil {
		t.Fatalf("shutdown future: %v", err)
	}
	if status != dispatcher.StatusSucceeded {
		t.Errorf("status = %v, want succeeded", status)
	}
	if fatal.count() != 0 {
		t.Errorf("fatal handler called: %v", fatal.first())
	}

	if terr, _ := p.CloseAsync().Get(ctx); terr != nil {
		t.Errorf("termination: %v", terr)
	}
}

func TestSingleJobFailureStatus(t *testing.T) {
	g := newGraph("doomed")

	factory := dispatcher.NewFactory(
		func(_ context.Context, _ *graph.JobGraph) error {
			return errors.New("boom")
		},
		dispatcher.WithRunToCompletion(),
		dispatcher.WithMaxRetries(1),
		dispatcher.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)

	p := steward.NewSingleJobProcess(id.NewSessionID(), g, factory, &fatalRecorder{})
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := p.ShutDownFuture().Get(ctx)
	if err != nil {
		t.Fatalf("shutdown future: %v", err)
	}
	if status != dispatcher.StatusFailed {
		t.Errorf("status = %v, want failed", status)
	}
	p.CloseAsync()
}

func TestSingleJobCreateFailureIsFatal(t *testing.T) {
	g := newGraph("unsubmittable")
	factory := newFakeFactory()
	factory.createErr = errors.New("submission rejected")
	fatal := &fatalRecorder{}

	p := steward.NewSingleJobProcess(id.NewSessionID(), g, factory, fatal)
	p.Start()

	waitFor(t, "fatal error", func() bool { return fatal.count() > 0 })
	waitFor(t, "process stopped", func() bool { return p.State() == steward.StateStopped })

	if _, ok := p.DispatcherGatewayFuture().TryGet(); ok {
		t.Error("gateway future completed despite create failure")
	}
}

func TestSingleJobGatewayAvailableImmediately(t *testing.T) {
	g := newGraph("ready")
	block := make(chan struct{})
	defer close(block)

	factory := dispatcher.NewFactory(func(ctx context.Context, _ *graph.JobGraph) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	p := steward.NewSingleJobProcess(id.NewSessionID(), g, factory, &fatalRecorder{})
	p.Start()

	// The gateway is installed synchronously on Start; the job may still
	// be running.
	if _, ok := p.DispatcherGatewayFuture().TryGet(); !ok {
		t.Error("gateway future not completed after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if terr, _ := p.CloseAsync().Get(ctx); terr != nil {
		t.Errorf("termination: %v", terr)
	}
}
