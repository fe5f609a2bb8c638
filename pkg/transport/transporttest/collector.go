// Package transporttest checks a backend against the behavioral contract of
// pkg/transport. Backend packages call Run from their own tests; any
// implementation that passes delivers the same externally observable
// ordering, lifecycle and error behavior as the reference mem backend.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
)

// Collector drains an endpoint's receive queue on its own goroutine and
// buffers events for deterministic assertions without racing on shutdown.
type Collector struct {
	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	buf []transport.Event
}

// NewCollector starts draining ep until Stop is called or the endpoint
// closes.
func NewCollector(ep transport.EndPoint) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx, ep)
	return c
}

// Stop ends the draining loop and waits for it to exit.
func (c *Collector) Stop() {
	c.cancel()
	<-c.done
}

func (c *Collector) loop(ctx context.Context, ep transport.EndPoint) {
	defer close(c.done)
	for {
		ev, err := ep.Receive(ctx)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.buf = append(c.buf, ev)
		// coalesce notifications
		select {
		case c.notify <- struct{}{}:
		default:
		}
		c.mu.Unlock()
	}
}

// Snapshot returns a copy of the buffered events.
func (c *Collector) Snapshot() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Event, len(c.buf))
	copy(out, c.buf)
	return out
}

// WaitFor waits up to timeout for pred to hold over the buffered events.
func (c *Collector) WaitFor(timeout time.Duration, pred func([]transport.Event) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		ok := pred(c.buf)
		c.mu.Unlock()
		if ok {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-c.notify:
			// new event, re-check
		case <-time.After(remaining):
			return false
		}
	}
}
