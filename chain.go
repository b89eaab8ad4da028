package steward

import "sync"

// opChain serializes asynchronous operations: an appended operation
// starts only after every previously appended operation has finished,
// regardless of which goroutine appended it. The chain is the sole
// synchronization between a session strategy's initial recovery and the
// store notifications that race with it.
type opChain struct {
	mu   sync.Mutex
	tail <-chan struct{}
}

func newOpChain() *opChain {
	done := make(chan struct{})
	close(done)
	return &opChain{tail: done}
}

// append schedules op behind the current tail and rebinds the tail to
// op's completion. fin receives op's result as the terminal stage and
// runs before the next operation is released.
func (c *opChain) append(op func() error, fin func(error)) {
	c.mu.Lock()
	prev := c.tail
	next := make(chan struct{})
	c.tail = next
	c.mu.Unlock()

	go func() {
		defer close(next)
		<-prev
		fin(op())
	}()
}
