package relay

import (
	"context"
	"sync"
)

// Completion is the one-shot rendezvous between a waiting caller and whoever
// settles its request first: the operator's reply or the reaper's timeout.
type Completion struct {
	mu     sync.Mutex
	done   chan struct{}
	result *ChatCompletion
	err    error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolve stores the result and wakes waiters.
// It returns false if the completion was already settled.
func (c *Completion) resolve(result *ChatCompletion) bool {
	return c.settle(result, nil)
}

// fail stores the error and wakes waiters.
// It returns false if the completion was already settled.
func (c *Completion) fail(err error) bool {
	return c.settle(nil, err)
}

func (c *Completion) settle(result *ChatCompletion, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}

	c.result = result
	c.err = err
	close(c.done)
	return true
}

// Done is closed once the completion is settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (c *Completion) Result() (*ChatCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Wait blocks until the completion is settled or ctx ends.
// A context expiry is reported to this waiter only; the completion stays
// open and may still be settled later.
func (c *Completion) Wait(ctx context.Context) (*ChatCompletion, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
