// Package transport narrows the serial port down to the single
// interface the scheduler actually needs, replacing the teacher
// pack's trait-object-style polymorphism over the port with one small
// Go interface any backend (real device, pty, in-memory fake) can
// satisfy.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Transport is the narrow contract the scheduler depends on.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Transport, honoring ctx cancellation while the
// underlying open call is in flight.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a real OS serial device via tarm/serial.
type SerialDialer struct {
	ComPort  string
	BaudRate int
	Timeout  time.Duration // read timeout; 0 defaults to 10s per spec
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	cfg := &serial.Config{
		Name:        d.ComPort,
		Baud:        d.BaudRate,
		ReadTimeout: timeout,
	}

	type result struct {
		port *serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.OpenPort(cfg)
		ch <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.port, nil
	}
}
