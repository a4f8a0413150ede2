package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mways/smsgatewayd/internal/types"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish([]types.Conversation{{ID: "c1", Message: "hi"}})

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
		assert.Equal(t, "hi", snap[0].Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish([]types.Conversation{{ID: "c1"}})

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should not receive after unsubscribe, but may remain open")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, b.Subscribers())
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+4; i++ {
		b.Publish([]types.Conversation{{ID: "c1"}})
	}
	assert.Equal(t, 1, b.Subscribers())
}
