package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"diagrun/internal/common/mq"
	"diagrun/internal/diagrun/result"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"go.uber.org/zap"
)

// ResultEventFinal is the event type of a finished run.
const ResultEventFinal = "run.final"

const traceHeader = "x-trace-id"

// ResultEvent is the payload published for a finished run.
type ResultEvent struct {
	Type      string           `json:"type"`
	RunID     string           `json:"run_id"`
	TraceID   string           `json:"trace_id,omitempty"`
	Outcome   string           `json:"outcome"`
	Result    result.RunResult `json:"result"`
	CreatedAt int64            `json:"created_at"`
}

// MQResultPublisher publishes final run results to a message queue.
type MQResultPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQResultPublisher creates a new MQ result publisher.
func NewMQResultPublisher(queue mq.Producer, topic string) *MQResultPublisher {
	return &MQResultPublisher{queue: queue, topic: topic}
}

// PublishResult publishes a final result event keyed by run id.
func (p *MQResultPublisher) PublishResult(ctx context.Context, runID string, res result.RunResult) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("result topic is required")
	}
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	traceID := logger.TraceID(ctx)
	event := ResultEvent{
		Type:      ResultEventFinal,
		RunID:     runID,
		TraceID:   traceID,
		Outcome:   result.Kind(res),
		Result:    res,
		CreatedAt: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal result event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = runID
	if traceID != "" {
		message.SetHeader(traceHeader, traceID)
	}
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		logger.Warn(ctx, "publish result event failed", zap.String("topic", p.topic), zap.Error(err))
		return appErr.Wrapf(err, appErr.StatusPublishFailed, "publish result event failed")
	}
	return nil
}
