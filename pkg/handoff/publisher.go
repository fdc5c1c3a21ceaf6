// Package handoff hands conversations over to the human-agent desk through a
// redis stream.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-router/pkg/exchange"
	"conversation-router/pkg/goals"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/orchestrator"
)

// metricReasons bounds the reason label. A capability may send free text with
// request_human; it reaches the event and the log but is counted as
// orchestrator.ReasonRequested.
var metricReasons = map[string]bool{
	goals.ReasonUnknownCase:                 true,
	exchange.ReasonExchangeReady:            true,
	exchange.ReasonExchangeValidationFailed: true,
	orchestrator.ReasonRequested:            true,
}

func metricReason(reason string) string {
	if metricReasons[reason] {
		return reason
	}
	return orchestrator.ReasonRequested
}

// Event is one handoff request as read by the desk.
type Event struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason"`
	RequestedAt    time.Time `json:"requested_at"`
}

type StreamPublisher struct {
	rdb     *redis.Client
	stream  string
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewStreamPublisher(rdb *redis.Client, stream string, logger *logrus.Logger, metrics *metrics.Metrics) *StreamPublisher {
	return &StreamPublisher{
		rdb:     rdb,
		stream:  stream,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// AssignToHuman appends a handoff event to the stream.
func (p *StreamPublisher) AssignToHuman(ctx context.Context, conversationID, reason string) error {
	event := Event{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Reason:         reason,
		RequestedAt:    p.now(),
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff event: %w", err)
	}

	streamArgs := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_id":        event.ID,
			"conversation_id": event.ConversationID,
			"reason":          event.Reason,
			"requested_at":    event.RequestedAt.UnixMilli(),
			"event_data":      string(eventData),
		},
	}

	messageID, err := p.rdb.XAdd(ctx, streamArgs).Result()
	if err != nil {
		return fmt.Errorf("failed to add handoff event to stream: %w", err)
	}

	if p.metrics != nil {
		p.metrics.HandoffsTriggered.WithLabelValues(metricReason(reason)).Inc()
	}

	p.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"reason":          reason,
		"message_id":      messageID,
	}).Info("Conversation handed off to human agent")

	return nil
}
