package changesource

import "sync"

// AckCoalescer is a most-recent-wins, single-slot relay: if the consumer
// draining it is slower than the producer, only the latest value sent is
// ever delivered (spec §4.8, §6, §9). This mirrors the slow-consumer
// handling the example corpus's NATS/MQTT sink peers apply to outbound
// publishes, adapted here to a bounded in-process primitive instead of a
// network publish.
type AckCoalescer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest any
	dirty  bool
	closed bool
}

// NewAckCoalescer returns a ready-to-use coalescer.
func NewAckCoalescer() *AckCoalescer {
	c := &AckCoalescer{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send records token as the most recent ack, waking a blocked Recv. It never
// blocks the caller.
func (c *AckCoalescer) Send(token any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.latest = token
	c.dirty = true
	c.cond.Signal()
}

// Recv blocks until an ack has been coalesced and returns the most recent
// one, or returns ok=false if the coalescer has been closed with nothing
// pending.
func (c *AckCoalescer) Recv() (token any, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.dirty && !c.closed {
		c.cond.Wait()
	}
	if c.dirty {
		token, c.dirty = c.latest, false
		return token, true
	}
	return nil, false
}

// Close unblocks any pending Recv with ok=false once the pending ack (if
// any) has been drained.
func (c *AckCoalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
}
