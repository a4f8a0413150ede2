package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/manager"
	"github.com/mways/smsgatewayd/internal/sse"
	"github.com/mways/smsgatewayd/internal/store"
	"github.com/mways/smsgatewayd/internal/types"
	"github.com/mways/smsgatewayd/internal/webhook"
)

// conversationNotifier implements modem.Notifier: on every poll cycle
// that touched at least one contact, it reloads the full conversation
// list and republishes it to every SSE subscriber.
type conversationNotifier struct {
	store       *store.Store
	broadcaster *sse.Broadcaster
	log         *zap.Logger
}

func (n *conversationNotifier) NotifyContacts(ctx context.Context, contactIDs []string) {
	if len(contactIDs) == 0 {
		return
	}
	convos, err := n.store.Conversations(ctx)
	if err != nil {
		n.log.Warn("loading conversations for sse publish failed", zap.Error(err))
		return
	}
	n.broadcaster.Publish(convos)
}

// pipelineSink implements modem.WebhookSink: it resolves the SIM's
// display name for @sim@ templates and submits an Event to the
// webhook pipeline.
type pipelineSink struct {
	pipeline *webhook.Pipeline
	mgr      *manager.Manager
}

func (s pipelineSink) Submit(msg types.ModemSms) {
	simDisplay := msg.SimID
	if card, ok := s.mgr.SimCardCached(msg.SimID); ok {
		simDisplay = card.DisplayName()
	}
	s.pipeline.Submit(webhook.Event{
		Contact:    msg.Contact,
		Message:    msg.Message,
		SimID:      msg.SimID,
		SimDisplay: simDisplay,
		Timestamp:  msg.Timestamp,
		Send:       msg.Send,
	})
}
