package mq

import (
	"context"
	"errors"
	"time"

	"tiger/pkg/utils/logger"

	"go.uber.org/zap"
)

const fetchErrorBackoff = 100 * time.Millisecond

// dispatch runs handler on one delivered message and forwards failures to
// the dead letter topic. It never returns an error: delivery is settled by
// the caller once dispatch returns.
func dispatch(ctx context.Context, producer Producer, opts *SubscribeOptions, handler HandlerFunc, msg *Message) {
	err := handler(ctx, msg)
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
		zap.Error(err),
	}
	if opts.DeadLetterTopic == "" || errors.Is(err, context.Canceled) {
		logger.Warn(ctx, "message handler failed", fields...)
		return
	}
	dead := msg.Clone()
	dead.SetHeader(HeaderDeadReason, err.Error())
	dead.SetHeader(HeaderOriginTopic, msg.Topic)
	if pubErr := producer.Publish(ctx, opts.DeadLetterTopic, dead); pubErr != nil {
		logger.Error(ctx, "dead letter publish failed", append(fields, zap.NamedError("publish_error", pubErr))...)
		return
	}
	logger.Warn(ctx, "message handler failed, sent to dead letter", append(fields, zap.String("dead_letter", opts.DeadLetterTopic))...)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
