package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Reply is the answer an asynchronous collaborator delivers for a
// correlation id.
type Reply struct {
	Result map[string]any
	Err    error
}

type future struct {
	done  chan struct{}
	reply Reply
}

// Correlator matches replies to waiters by correlation id. A reply is only
// delivered to an id that is registered through Expect or Wait; each
// registration resolves at most once.
type Correlator struct {
	mu      sync.Mutex
	futures map[string]*future
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{futures: make(map[string]*future)}
}

// Expect starts a new exchange for a correlation id and returns a channel
// that is closed when its reply arrives. An earlier exchange on the same id
// is abandoned, so a late reply to it cannot answer this one.
func (c *Correlator) Expect(correlationID string) <-chan struct{} {
	correlationID = strings.TrimSpace(correlationID)
	f := &future{done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.futures == nil {
		c.futures = make(map[string]*future)
	}
	c.futures[correlationID] = f
	return f.done
}

// Resolve delivers a reply. It reports false when nobody expects the id or
// the id was already resolved. A reply that arrives after Expect but before
// Wait is kept for Wait.
func (c *Correlator) Resolve(correlationID string, reply Reply) bool {
	correlationID = strings.TrimSpace(correlationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.futures[correlationID]
	if !ok {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
	}
	f.reply = reply
	close(f.done)
	return true
}

// Wait blocks until the reply for correlationID arrives or ctx ends,
// registering the id when Expect was not called. The exchange is forgotten
// once Wait returns.
func (c *Correlator) Wait(ctx context.Context, correlationID string) (Reply, error) {
	correlationID = strings.TrimSpace(correlationID)
	f := c.waiting(correlationID)
	defer c.release(correlationID, f)
	select {
	case <-f.done:
		c.mu.Lock()
		reply := f.reply
		c.mu.Unlock()
		return reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("wait for reply %s: %w", correlationID, ctx.Err())
	}
}

// Forget drops any state for a correlation id.
func (c *Correlator) Forget(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.futures, strings.TrimSpace(correlationID))
}

// Pending returns the number of correlation ids being tracked.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.futures)
}

func (c *Correlator) waiting(correlationID string) *future {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.futures == nil {
		c.futures = make(map[string]*future)
	}
	f, ok := c.futures[correlationID]
	if !ok {
		f = &future{done: make(chan struct{})}
		c.futures[correlationID] = f
	}
	return f
}

// release forgets an exchange unless a newer Expect replaced it.
func (c *Correlator) release(correlationID string, f *future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.futures[correlationID] == f {
		delete(c.futures, correlationID)
	}
}

// Dispatcher hands an envelope to an asynchronous collaborator, which later
// answers through Correlator.Resolve with the envelope's correlation id.
type Dispatcher func(ctx context.Context, env *Envelope) error

// AwaitReply adapts a dispatcher into a Handler that waits for the reply.
func (c *Correlator) AwaitReply(dispatch Dispatcher) Handler {
	return func(ctx context.Context, env *Envelope) (map[string]any, error) {
		if dispatch == nil {
			return nil, errors.New("dispatcher is required")
		}
		correlationID := env.Header.CorrelationID
		c.Expect(correlationID)
		if err := dispatch(ctx, env); err != nil {
			c.Forget(correlationID)
			return nil, fmt.Errorf("dispatch %s: %w", env.Header.Intent, err)
		}
		reply, err := c.Wait(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		return reply.Result, reply.Err
	}
}
