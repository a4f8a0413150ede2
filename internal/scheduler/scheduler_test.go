package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mways/smsgatewayd/internal/transport"
)

func TestSubmitFramesOKResponse(t *testing.T) {
	ft := transport.NewFakeTransport()
	ft.Feed([]byte("\r\nOK\r\n"))
	dialer := &transport.FakeDialer{Next: func() *transport.FakeTransport { return ft }}
	s := New(dialer)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.Submit(ctx, []byte("ATE0\r"), 0)
	require.NoError(t, err)
	assert.Contains(t, resp, "OK")
}

func TestSubmitSMSPromptFraming(t *testing.T) {
	ft := transport.NewFakeTransport()
	ft.Feed([]byte("\r\n> "))
	dialer := &transport.FakeDialer{Next: func() *transport.FakeTransport { return ft }}
	s := New(dialer)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.Submit(ctx, []byte("AT+CMGS=23\r"), 0)
	require.NoError(t, err)
	assert.Contains(t, resp, "> ")
}

func TestSubmitModemRejectedNotRetried(t *testing.T) {
	ft := transport.NewFakeTransport()
	ft.Feed([]byte("\r\nERROR\r\n"))
	dialer := &transport.FakeDialer{Next: func() *transport.FakeTransport { return ft }}
	s := New(dialer)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Submit(ctx, []byte("AT+BOGUS\r"), 0)
	require.Error(t, err)
	// exactly one write: ModemRejected must not be retried.
	assert.Len(t, ft.Written(), 1)
}

func TestStrictFIFOOrdering(t *testing.T) {
	ft := transport.NewFakeTransport()
	ft.Feed([]byte("\r\nOK\r\n"))
	ft.Feed([]byte("\r\nOK\r\n"))
	dialer := &transport.FakeDialer{Next: func() *transport.FakeTransport { return ft }}
	s := New(dialer)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	order := make(chan int, 2)
	go func() {
		s.Submit(ctx, []byte("AT+A\r"), 0)
		order <- 1
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		s.Submit(ctx, []byte("AT+B\r"), 0)
		order <- 2
	}()

	first := <-order
	second := <-order
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestReconnectAfterDialFailure(t *testing.T) {
	ft := transport.NewFakeTransport()
	ft.Feed([]byte("\r\nOK\r\n"))
	dialer := &transport.FakeDialer{Next: func() *transport.FakeTransport { return ft }}
	dialer.FailNext(1)
	s := New(dialer)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := s.Submit(ctx, []byte("ATE0\r"), 0)
	require.NoError(t, err)
	assert.Contains(t, resp, "OK")
}
