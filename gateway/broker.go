package gateway

import (
	"context"
	"sync"
)

// DeliverFunc receives every frame published to a room.
type DeliverFunc func(roomID string, frame []byte)

// Broker fans room frames out to every gateway instance. Frames published to
// one room are delivered to every subscriber in the same order.
type Broker interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
	// Subscribe registers deliver until ctx is done. Delivery has started when
	// Subscribe returns.
	Subscribe(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

// LocalBroker delivers frames in process. It serves a single gateway instance.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[int]DeliverFunc
	next   int
	closed bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		subs: make(map[int]DeliverFunc),
	}
}

// Publish delivers frame synchronously. deliver must not publish.
func (b *LocalBroker) Publish(_ context.Context, roomID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, deliver := range b.subs {
		deliver(roomID, frame)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	id := b.next
	b.next++
	b.subs[id] = deliver

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}()
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
	return nil
}
