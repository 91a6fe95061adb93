package memory

import (
	"context"

	"github.com/edgeflare/repcore/pkg/changesource"
)

// Source replays a fixed sequence of messages to exactly one subscriber at a
// time. Subsequent calls to Subscribe replay the same script from the start,
// which is sufficient for the idempotent-resumption property tests (spec §8)
// without modeling a real upstream's replay-from-watermark logic.
type Source struct {
	script []changesource.Message
}

// New returns a Source that replays script on every Subscribe call.
func New(script []changesource.Message) *Source {
	return &Source{script: script}
}

// Subscribe starts replaying the script into a buffered Changes channel,
// closing it once the script is exhausted or ctx is canceled. Acks is backed
// by an AckCoalescer: a forwarding goroutine drains every send into the
// coalescer's single retained slot, so the consumer never blocks on a slow
// or absent ack reader, and only the most recent token survives (spec §4.8).
func (s *Source) Subscribe(ctx context.Context, _ changesource.SubscribeParams) (changesource.Subscription, error) {
	changes := make(chan changesource.Message, len(s.script))
	acks := make(chan any)
	coalescer := changesource.NewAckCoalescer()

	go func() {
		defer close(changes)
		for _, msg := range s.script {
			select {
			case changes <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case token, ok := <-acks:
				if !ok {
					coalescer.Close()
					return
				}
				coalescer.Send(token)
			case <-ctx.Done():
				coalescer.Close()
				return
			}
		}
	}()

	return changesource.Subscription{Changes: changes, Acks: acks}, nil
}
