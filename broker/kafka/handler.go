package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/internal/stats"
	"go.uber.org/zap"
)

var _ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)

// consumerHandler feeds claimed messages to one MessageHandler. A message is
// marked only after the handler returns nil, so a failed message is
// redelivered after the next rebalance or restart.
type consumerHandler struct {
	topic   string
	handler eventcore.MessageHandler
	stats   *stats.Counters
	logger  *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			h.stats.Received()

			if err := h.deliver(session.Context(), msg); err != nil {
				h.stats.Failed(err)
				h.logger.Error("kafka handler failed",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				continue
			}
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerHandler) deliver(ctx context.Context, msg *sarama.ConsumerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on topic %q: %v", h.topic, r)
		}
	}()
	return h.handler(ctx, msg.Value)
}
