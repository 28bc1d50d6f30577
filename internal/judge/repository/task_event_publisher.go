package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"tiger/internal/common/mq"
	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"
)

// TaskEventPublisher broadcasts terminal task snapshots.
type TaskEventPublisher interface {
	PublishTaskEvent(ctx context.Context, snap model.TaskSnapshot) error
}

// MQTaskEventPublisher publishes task snapshots to a message queue topic.
type MQTaskEventPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQTaskEventPublisher creates a new MQ task event publisher.
func NewMQTaskEventPublisher(queue mq.Producer, topic string) *MQTaskEventPublisher {
	return &MQTaskEventPublisher{queue: queue, topic: topic}
}

// PublishTaskEvent publishes one snapshot keyed by task id.
func (p *MQTaskEventPublisher) PublishTaskEvent(ctx context.Context, snap model.TaskSnapshot) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("task event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("task event topic is required")
	}
	if snap.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal task event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = snap.TaskID
	message.SetHeader("x-task-state", string(snap.State))
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish task event failed")
	}
	return nil
}
