// Package transporttest provides a scriptable transport.Adapter double for
// unit tests that exercise uds.Service, session.Manager, and backend
// implementations without a real CAN/DoIP socket. It is a non-_test.go
// file so other packages' tests can import it directly, the same way the
// standard library's net/http/httptest is consumed from outside net/http.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sovdgw/transport"
)

// FakeAdapter is a transport.Adapter double driven by a queue of scripted
// response frames. Tests enqueue the exact bytes the simulated ECU would
// answer with (including intermediate 0x78 response-pending frames) and
// every Send/SendAndAwaitResponse/AwaitResponse call consumes the queue in
// order. It also supports pushing unsolicited frames (periodic
// transmissions) to every live subscriber via Broadcast.
type FakeAdapter struct {
	mu        sync.Mutex
	sent      [][]byte
	responses [][]byte
	subs      map[chan []byte]struct{}
}

// New builds an empty FakeAdapter.
func New() *FakeAdapter {
	return &FakeAdapter{subs: make(map[chan []byte]struct{})}
}

// QueueResponse appends one or more frames to the response queue, consumed
// in order by subsequent SendAndAwaitResponse/AwaitResponse calls.
func (f *FakeAdapter) QueueResponse(frames ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, frames...)
}

// Sent returns every frame passed to Send/SendAndAwaitResponse so far.
func (f *FakeAdapter) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeAdapter) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) SendAndAwaitResponse(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	if err := f.Send(ctx, frame); err != nil {
		return nil, err
	}
	return f.AwaitResponse(ctx, 0, timeout)
}

// AwaitResponse ignores requestSID/timeout and simply pops the next
// scripted frame — tests are expected to script exactly what the exchange
// under test should observe, in order.
func (f *FakeAdapter) AwaitResponse(ctx context.Context, requestSID byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("transporttest: no scripted response queued")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()
	return r, nil
}

func (f *FakeAdapter) Subscribe() <-chan []byte {
	ch := make(chan []byte, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *FakeAdapter) Unsubscribe(ch <-chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.subs {
		if c == ch {
			delete(f.subs, c)
			close(c)
			return
		}
	}
}

func (f *FakeAdapter) Close() error { return nil }

// Broadcast delivers frame to every live subscriber, as a real adapter
// would for an unsolicited periodic transmission.
func (f *FakeAdapter) Broadcast(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.subs {
		select {
		case c <- frame:
		default:
		}
	}
}

var _ transport.Adapter = (*FakeAdapter)(nil)
