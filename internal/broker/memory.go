package broker

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memQueue struct {
	ready      []string // oldest first
	processing []inFlight
}

// inFlight is a delivery held by a consumer. The consumer is gone once the
// context it consumed with is done.
type inFlight struct {
	raw   string
	owner <-chan struct{}
}

func (f inFlight) abandoned() bool {
	if f.owner == nil {
		return false
	}
	select {
	case <-f.owner:
		return true
	default:
		return false
	}
}

// MemoryBroker is an in-process Broker for single-process runs and tests.
// Messages do not survive a restart. Recover only reclaims deliveries whose
// consumer context has ended, so workers sharing a broker never take over
// each other's in-flight messages.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	wake   chan struct{} // closed and replaced on every publish
	closed bool
}

// NewMemory creates an empty MemoryBroker.
func NewMemory() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue), wake: make(chan struct{})}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) push(name, raw string) {
	q := b.queue(name)
	q.ready = append(q.ready, raw)
	b.signal()
}

func (b *MemoryBroker) signal() {
	if b.closed {
		return
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) Publish(_ context.Context, queue string, body any) error {
	_, raw, err := newMessage(queue, body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errorRegistry.NewWithMessage(ErrPublish, "broker closed")
	}
	b.push(queue, raw)
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, nil
		}
		q := b.queue(queue)
		if len(q.ready) > 0 {
			raw := q.ready[0]
			q.ready = q.ready[1:]
			q.processing = append(q.processing, inFlight{raw: raw, owner: ctx.Done()})
			b.mu.Unlock()
			return decodeDelivery(queue, raw)
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (b *MemoryBroker) remove(q *memQueue, raw string) bool {
	i := slices.IndexFunc(q.processing, func(f inFlight) bool { return f.raw == raw })
	if i < 0 {
		return false
	}
	q.processing = slices.Delete(q.processing, i, i+1)
	return true
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remove(b.queue(d.Queue), d.raw) {
		return errorRegistry.NewWithMessage(ErrAck, "delivery not in flight").WithDetail("id", d.ID)
	}
	return nil
}

func (b *MemoryBroker) Reject(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remove(b.queue(d.Queue), d.raw) {
		return errorRegistry.NewWithMessage(ErrReject, "delivery not in flight").WithDetail("id", d.ID)
	}
	b.push(DLQ(d.Queue), d.raw)
	return nil
}

func (b *MemoryBroker) Replay(_ context.Context, dlq, target string, count int) (int, error) {
	if err := checkReplay(dlq, target, count); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(dlq)
	n := min(count, len(q.ready))
	for _, raw := range q.ready[:n] {
		b.push(target, raw)
	}
	q.ready = q.ready[n:]
	return n, nil
}

func (b *MemoryBroker) Recover(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	var reclaimed []string
	q.processing = slices.DeleteFunc(q.processing, func(f inFlight) bool {
		if f.abandoned() {
			reclaimed = append(reclaimed, f.raw)
			return true
		}
		return false
	})
	if len(reclaimed) == 0 {
		return 0, nil
	}
	// unacknowledged messages are the oldest, so they go to the front
	q.ready = append(reclaimed, q.ready...)
	b.signal()
	return len(reclaimed), nil
}

func (b *MemoryBroker) Len(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queue(queue).ready)), nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.wake)
	}
	return nil
}
