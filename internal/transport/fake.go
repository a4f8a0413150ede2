package transport

import (
	"context"
	"errors"
	"sync"
)

var errFakeTransportClosed = errors.New("fake transport closed")
var errFakeDialFailed = errors.New("fake dial failed")

// FakeTransport is an in-memory Transport for scheduler/modem tests.
// Writes are captured; Reads are served from a queue of canned
// responses pushed via Feed, in Feed order and at most one response per
// Read, independent of writes. A Read with nothing queued returns 0, nil.
type FakeTransport struct {
	mu        sync.Mutex
	written   [][]byte
	responses [][]byte
	closed    bool
	failOpen  error
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) Feed(resp []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *FakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *FakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errFakeTransportClosed
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}


func (f *FakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return 0, nil
	}
	resp := f.responses[0]
	n := copy(p, resp)
	if n == len(resp) {
		f.responses = f.responses[1:]
	} else {
		f.responses[0] = resp[n:]
	}
	return n, nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeDialer hands out a single FakeTransport per Dial call, or fails
// failCount times first, for reconnection tests.
type FakeDialer struct {
	mu        sync.Mutex
	failCount int
	Next      func() *FakeTransport
}

func (d *FakeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCount = n
}

func (d *FakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	if d.failCount > 0 {
		d.failCount--
		d.mu.Unlock()
		return nil, errFakeDialFailed
	}
	d.mu.Unlock()
	if d.Next != nil {
		return d.Next(), nil
	}
	return NewFakeTransport(), nil
}
