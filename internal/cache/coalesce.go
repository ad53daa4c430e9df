package cache

import (
	"context"
	"sync"
)

// Coalescer serializes cache fills per key. While one request is generating
// the response for a key, followers with the same key wait for it to finish
// and re-check the cache instead of paying for their own provider call.
//
// The leader's result is never handed to followers directly. Billing,
// entitlements, and the write gate are all per caller, so a follower whose
// re-check still misses (the fill was refused by the gate) runs its own
// fill under its own account. Off by default; identical concurrent
// requests are independent unless a Coalescer is wired in.
type Coalescer struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewCoalescer() *Coalescer {
	return &Coalescer{inflight: make(map[string]chan struct{})}
}

// Do runs fill when no fill for key is in flight, or waits for the running
// one to finish. The bool reports whether this call waited instead of
// filling; the error is only ever the waiting context's.
func (c *Coalescer) Do(ctx context.Context, key string, fill func()) (bool, error) {
	c.mu.Lock()
	if ch, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-ch:
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	ch := make(chan struct{})
	c.inflight[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(ch)
	}()

	fill()
	return false, nil
}
