package future_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/steward/future"
)

func TestCompleteOnce(t *testing.T) {
	f := future.New[int]()

	if !f.Complete(1) {
		t.Fatal("first Complete should win")
	}
	if f.Complete(2) {
		t.Fatal("second Complete should be a no-op")
	}

	v, ok := f.TryGet()
	if !ok || v != 1 {
		t.Errorf("TryGet = (%d, %v), want (1, true)", v, ok)
	}
}

func TestGetBlocksUntilComplete(t *testing.T) {
	f := future.New[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Complete("ready")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "ready" {
		t.Errorf("got %q, want %q", v, "ready")
	}
}

func TestGetContextCancelled(t *testing.T) {
	f := future.New[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Get(ctx); err == nil {
		t.Error("expected context error for incomplete future")
	}
}

func TestTryGetIncomplete(t *testing.T) {
	f := future.New[int]()
	if _, ok := f.TryGet(); ok {
		t.Error("TryGet on incomplete future should report false")
	}
}

func TestAllReadersObserveSameValue(t *testing.T) {
	f := future.New[int]()

	const readers = 8
	results := make([]int, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := f.Get(context.Background())
			results[i] = v
		}()
	}

	f.Complete(42)
	wg.Wait()

	for i, v := range results {
		if v != 42 {
			t.Errorf("reader %d observed %d, want 42", i, v)
		}
	}
}

func TestForward(t *testing.T) {
	src := future.New[int]()
	dst := future.New[int]()
	future.Forward(src, dst)

	src.Complete(7)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := dst.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 7 {
		t.Errorf("forwarded value = %d, want 7", v)
	}
}

func TestForwardLosesToExistingCompletion(t *testing.T) {
	src := future.New[int]()
	dst := future.Completed(1)
	future.Forward(src, dst)

	src.Complete(2)
	<-src.Done()

	v, _ := dst.TryGet()
	if v != 1 {
		t.Errorf("dst = %d, want original value 1", v)
	}
}
