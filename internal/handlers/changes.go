package handlers

import (
	"context"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"go.uber.org/zap"
)

// changeFeed publishes durable writes. Failures are logged only: the row
// is already committed and clients reconcile on their next fetch.
type changeFeed struct {
	publisher ChangePublisher
	logger    *zap.Logger
}

func (f changeFeed) message(ctx context.Context, typ realtime.EventType, msg *models.Message) {
	ev, err := realtime.MessageEvent(typ, *msg)
	if err != nil {
		f.logger.Error("encode message change", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	f.publish(ctx, ev,
		realtime.ConversationTopic(msg.ConversationID),
		realtime.InboxTopic(msg.SenderID),
		realtime.InboxTopic(msg.ReceiverID),
	)
}

func (f changeFeed) conversation(ctx context.Context, typ realtime.EventType, conv *models.Conversation) {
	ev, err := realtime.ConversationEvent(typ, *conv)
	if err != nil {
		f.logger.Error("encode conversation change", zap.Stringer("conversation_id", conv.ID), zap.Error(err))
		return
	}
	f.publish(ctx, ev, realtime.InboxTopic(conv.RequesterID), realtime.InboxTopic(conv.AddresseeID))
}

func (f changeFeed) publish(ctx context.Context, ev realtime.Event, topics ...string) {
	if f.publisher == nil {
		return
	}
	for _, topic := range topics {
		if err := f.publisher.PublishChange(ctx, realtime.Envelope{Topic: topic, Event: ev}); err != nil {
			f.logger.Warn("publish change failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}
