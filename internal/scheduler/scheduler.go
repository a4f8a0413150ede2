// Package scheduler serializes AT-command traffic on one serial port:
// a single worker goroutine drains a FIFO queue, frames responses by
// terminator, and manages reconnection. This replaces the teacher's
// external warthog618/modem dependency with an in-tree implementation,
// since the gateway spec treats the scheduler as core rather than as
// an imported black box.
package scheduler

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/mways/smsgatewayd/internal/transport"
	"github.com/mways/smsgatewayd/internal/types"
)

var terminators = [][]byte{
	[]byte("\r\nOK\r\n"),
	[]byte("\r\nERROR\r\n"),
	[]byte("\r\n> "),
	[]byte("\r\n+CME ERROR"),
	[]byte("\r\n+CMS ERROR"),
}

const (
	commandTimeout  = 30 * time.Second
	readCycle       = 200 * time.Millisecond
	maxReconnects   = 3
	reconnectDelay  = 2 * time.Second
	maxRetries      = 3
	retryDelay      = 500 * time.Millisecond
)

// Result is the outcome of one framed command.
type Result struct {
	Response string
	Err      error
}

type request struct {
	command  []byte
	priority byte
	reply    chan Result
	ctx      context.Context
}

// Scheduler owns one serial port's command queue and connection
// state. Submit is safe for concurrent callers; all actual I/O is
// performed by a single worker goroutine, guaranteeing strict
// request/response ordering per port.
type Scheduler struct {
	dialer transport.Dialer

	mu    sync.RWMutex
	state types.ConnectionState
	conn  transport.Transport

	queue chan *request

	closed chan struct{}
	once   sync.Once
}

// New creates a Scheduler bound to the given dialer and starts its
// worker goroutine. Callers must call Close to stop it.
func New(dialer transport.Dialer) *Scheduler {
	s := &Scheduler{
		dialer: dialer,
		state:  types.Disconnected,
		queue:  make(chan *request, 256),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

// State reports the scheduler's current connection state.
func (s *Scheduler) State() types.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(st types.ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close stops the worker and releases the underlying port.
func (s *Scheduler) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Submit enqueues an already-terminated AT command and blocks until
// its response has been framed, the context is canceled, or the
// scheduler is closed.
func (s *Scheduler) Submit(ctx context.Context, command []byte, priority byte) (string, error) {
	req := &request{
		command:  command,
		priority: priority,
		reply:    make(chan Result, 1),
		ctx:      ctx,
	}
	select {
	case s.queue <- req:
	case <-s.closed:
		return "", errors.Wrap(types.ErrDisconnected, "scheduler closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.Response, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.closed:
			s.drain(errors.Wrap(types.ErrDisconnected, "scheduler closed"))
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

func (s *Scheduler) drain(err error) {
	for {
		select {
		case req := <-s.queue:
			req.reply <- Result{Err: err}
		default:
			return
		}
	}
}

func (s *Scheduler) process(req *request) {
	if s.State() != types.Connected {
		if !s.reconnect(req.ctx) {
			req.reply <- Result{Err: errors.Wrap(types.ErrDisconnected, "reconnect failed")}
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := s.execute(req.ctx, req.command)
		if err == nil {
			req.reply <- Result{Response: resp}
			return
		}
		lastErr = err
		if errors.Is(err, types.ErrModemRejected) {
			// non-retryable: the modem answered, just not with OK.
			break
		}
		if !s.reconnect(req.ctx) {
			break
		}
		select {
		case <-time.After(retryDelay):
		case <-req.ctx.Done():
			req.reply <- Result{Err: req.ctx.Err()}
			return
		}
	}
	req.reply <- Result{Err: lastErr}
}

func (s *Scheduler) execute(ctx context.Context, command []byte) (string, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return "", errors.Wrap(types.ErrDisconnected, "no connection")
	}

	if _, err := conn.Write(command); err != nil {
		s.setState(types.Disconnected)
		return "", errors.Wrap(types.ErrModemIo, err.Error())
	}

	deadline := time.Now().Add(commandTimeout)
	var buf bytes.Buffer
	readBuf := make([]byte, 1024)
	lastProgress := time.Now()
	for {
		if time.Now().After(deadline) {
			return "", errors.Wrap(types.ErrModemTimeout, "command timeout")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])
			lastProgress = time.Now()
			if idx, term := findLastTerminator(buf.Bytes()); idx >= 0 {
				resp := buf.String()
				if bytes.Equal(term, terminators[2]) {
					return resp, nil // SMS prompt, caller expects this
				}
				if bytes.Contains(buf.Bytes(), []byte("OK\r\n")) {
					return resp, nil
				}
				return resp, errors.Wrapf(types.ErrModemRejected, "%s", resp)
			}
		}
		if err != nil {
			s.setState(types.Disconnected)
			return "", errors.Wrap(types.ErrModemIo, err.Error())
		}
		if n == 0 {
			if time.Since(lastProgress) >= readCycle {
				time.Sleep(readCycle)
			}
		}
	}
}

// findLastTerminator scans buf for every known terminator and returns
// the rightmost match's start index and the matched terminator, or
// (-1, nil) if none is present.
func findLastTerminator(buf []byte) (int, []byte) {
	bestIdx := -1
	var best []byte
	for _, term := range terminators {
		if idx := bytes.LastIndex(buf, term); idx > bestIdx {
			bestIdx = idx
			best = term
		}
	}
	return bestIdx, best
}

func (s *Scheduler) reconnect(ctx context.Context) bool {
	s.setState(types.Reconnecting)
	b := &backoff.Backoff{Min: reconnectDelay, Max: reconnectDelay, Factor: 1}
	for attempt := 0; attempt < maxReconnects; attempt++ {
		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
			}
			s.conn = conn
			s.mu.Unlock()
			s.setState(types.Connected)
			return true
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			s.setState(types.Disconnected)
			return false
		}
	}
	s.setState(types.Disconnected)
	return false
}
