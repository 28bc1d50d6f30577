package mq

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tiger/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// HeaderAttempt counts how many times a message has been requeued.
	HeaderAttempt = "x-requeue-attempt"
	// HeaderDeadReason carries the last failure of a dead-lettered message.
	HeaderDeadReason = "x-dead-reason"
	// HeaderOriginTopic is the topic a dead-lettered message came from.
	HeaderOriginTopic = "x-origin-topic"
)

// RequeuePolicy bounds how often a message is put back on its topic.
type RequeuePolicy struct {
	// MaxAttempts is the requeue ceiling. Zero means unbounded.
	MaxAttempts int
	// DeadLetter receives messages past the ceiling. Empty drops them.
	DeadLetter string
}

// RequeueOutcome reports what Requeue did with a message.
type RequeueOutcome int

const (
	Requeued RequeueOutcome = iota
	DeadLettered
	Dropped
)

func (o RequeueOutcome) String() string {
	switch o {
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "dropped"
	}
}

// Attempt reads the requeue counter of a message.
func Attempt(msg *Message) int {
	raw, ok := msg.GetHeader(HeaderAttempt)
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// Requeue republishes msg to topic after delay with its attempt counter
// incremented. Once the counter reaches the policy ceiling the message goes
// to the dead letter topic instead.
func Requeue(ctx context.Context, producer Producer, topic string, msg *Message, delay time.Duration, policy RequeuePolicy) (RequeueOutcome, error) {
	if producer == nil || topic == "" {
		return Dropped, errors.New("requeue target is not configured")
	}
	if msg == nil {
		return Dropped, errors.New("message is nil")
	}
	attempt := Attempt(msg)
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		if policy.DeadLetter == "" {
			logger.Warn(ctx, "requeue ceiling reached without dead letter, dropping",
				zap.Int("attempt", attempt), zap.String("message_id", msg.ID))
			return Dropped, nil
		}
		dead := msg.Clone()
		dead.SetHeader(HeaderOriginTopic, topic)
		logger.Warn(ctx, "requeue ceiling reached, sending to dead letter",
			zap.Int("attempt", attempt), zap.String("message_id", msg.ID), zap.String("topic", policy.DeadLetter))
		if err := producer.Publish(ctx, policy.DeadLetter, dead); err != nil {
			return Dropped, err
		}
		return DeadLettered, nil
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "requeue canceled during delay",
				zap.Int("attempt", attempt), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
			return Dropped, ctx.Err()
		case <-timer.C:
		}
	}
	next := msg.Clone()
	next.SetHeader(HeaderAttempt, strconv.Itoa(attempt+1))
	logger.Info(ctx, "message requeued",
		zap.Int("attempt", attempt+1), zap.String("message_id", msg.ID),
		zap.Duration("delay", delay), zap.String("topic", topic))
	if err := producer.Publish(ctx, topic, next); err != nil {
		return Dropped, err
	}
	return Requeued, nil
}
