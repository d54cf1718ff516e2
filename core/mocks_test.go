package core

import (
	"context"
	"sync"
)

type fakeTransport struct {
	identity RoomIdentity
	in       chan []byte
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	failWith error
	sendErr  error
}

func newFakeTransport(id RoomIdentity) *fakeTransport {
	return &fakeTransport{
		identity: id,
		in:       make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, frame)
	return nil
}

func (t *fakeTransport) Listen(onFrame func([]byte)) error {
	for {
		select {
		case <-t.done:
			return nil
		case frame, ok := <-t.in:
			if !ok {
				t.mu.Lock()
				defer t.mu.Unlock()
				return t.failWith
			}
			onFrame(frame)
		}
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stopOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// deliver simulates a frame sent by the gateway.
func (t *fakeTransport) deliver(frames ...[]byte) {
	for _, f := range frames {
		t.in <- f
	}
}

// remoteClose simulates a clean close initiated by the gateway.
func (t *fakeTransport) remoteClose() {
	close(t.in)
}

// fail simulates a dropped connection.
func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
	close(t.in)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	// dials for holdRoom block until their context is done
	holdRoom string
}

func (d *fakeDialer) Dial(ctx context.Context, id RoomIdentity) (Transport, error) {
	d.mu.Lock()
	hold, err := d.holdRoom, d.err
	d.mu.Unlock()

	if hold != "" && hold == id.RoomID {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	t := newFakeTransport(id)
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) dialed() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeTransport, len(d.transports))
	copy(out, d.transports)
	return out
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
