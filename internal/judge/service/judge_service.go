package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tiger/internal/common/mq"
	"tiger/internal/judge/metrics"
	"tiger/internal/judge/model"
	"tiger/internal/judge/repository"
	"tiger/internal/judge/task"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/contextkey"
	"tiger/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// HeaderTaskID carries the stable task id across requeues.
const HeaderTaskID = "x-task-id"

const (
	defaultRetryDelay = 5 * time.Second
	defaultLeaseTTL   = 30 * time.Minute
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job task.Job) (model.TaskSnapshot, error)
}

// TaskStore hands out per-task leases and remembers how tasks ended.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (model.TaskSnapshot, error)
	Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) error
	Release(ctx context.Context, taskID, owner string) error
}

// Config holds service dependencies and settings.
type Config struct {
	Runner  Runner
	Queue   mq.Producer
	Tasks   TaskStore
	Events  repository.TaskEventPublisher
	Metrics *metrics.Metrics

	// Owner identifies this worker in task leases.
	Owner string
	// RetryDelay is how long a retryable job waits before it is requeued.
	RetryDelay time.Duration
	LeaseTTL   time.Duration
	// MaxRequeues bounds worker rejects per job. Zero means unbounded.
	MaxRequeues     int
	DeadLetterTopic string
}

// ActiveTask is a job currently running on this worker.
type ActiveTask struct {
	TaskID    string    `json:"task_id"`
	DomainID  string    `json:"domain_id"`
	RecordID  string    `json:"record_id"`
	Topic     string    `json:"topic"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// Service turns queue messages into judging jobs.
type Service struct {
	runner  Runner
	queue   mq.Producer
	tasks   TaskStore
	events  repository.TaskEventPublisher
	metrics *metrics.Metrics

	owner      string
	retryDelay time.Duration
	leaseTTL   time.Duration
	policy     mq.RequeuePolicy

	active *xsync.MapOf[string, ActiveTask]
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Service{
		runner:     cfg.Runner,
		queue:      cfg.Queue,
		tasks:      cfg.Tasks,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		owner:      cfg.Owner,
		retryDelay: cfg.RetryDelay,
		leaseTTL:   cfg.LeaseTTL,
		policy:     mq.RequeuePolicy{MaxAttempts: cfg.MaxRequeues, DeadLetter: cfg.DeadLetterTopic},
		active:     xsync.NewMapOf[string, ActiveTask](),
	}, nil
}

// HandleMessage processes a judge job message. Requeued and settled jobs
// return nil; an error is returned only for messages that cannot be
// processed or put back, so the consumer dead-letters them.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.JobMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if err := payload.Validate(); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "invalid job message")
	}
	taskID, ok := msg.GetHeader(HeaderTaskID)
	if !ok || taskID == "" {
		taskID = uuid.NewString()
		msg.SetHeader(HeaderTaskID, taskID)
	}
	ctx = context.WithValue(ctx, contextkey.TaskID, taskID)

	job := task.Job{TaskID: taskID, Attempt: mq.Attempt(msg), Message: payload}
	if s.tasks != nil {
		if err := s.tasks.Acquire(ctx, taskID, s.owner, s.leaseTTL); err != nil {
			return s.requeue(ctx, msg, job, appErr.Retryable(err, "task lease unavailable"))
		}
		defer func() {
			if err := s.tasks.Release(context.WithoutCancel(ctx), taskID, s.owner); err != nil {
				logger.Warn(ctx, "release task lease failed", zap.Error(err))
			}
		}()
		if prev, err := s.tasks.Get(ctx, taskID); err == nil && settled(prev.State) {
			logger.Info(ctx, "dropping duplicate delivery of a settled task", zap.String("state", string(prev.State)))
			return nil
		}
	}

	start := time.Now()
	s.track(msg, job, start)
	defer s.untrack(taskID)

	snap, err := s.runner.Run(ctx, job)
	if err == nil {
		s.observeJob(string(snap.Status), start)
		s.publish(ctx, snap)
		return nil
	}
	kind := appErr.KindOf(err)
	s.observeJob(kind.String(), start)
	if kind == appErr.KindFatal {
		// The system error could not be reported; nothing else will settle it.
		s.publish(ctx, snap)
		return err
	}
	return s.requeue(ctx, msg, job, err)
}

// requeue puts the message back on its topic. Retryable jobs wait the retry
// delay, worker rejects go back immediately and count toward the ceiling.
func (s *Service) requeue(ctx context.Context, msg *mq.Message, job task.Job, cause error) error {
	topic := msg.Topic
	if topic == "" {
		return appErr.Wrapf(cause, appErr.ServiceUnavailable, "message has no topic to requeue to")
	}
	delay := time.Duration(0)
	policy := s.policy
	if appErr.KindOf(cause) == appErr.KindRetryable {
		delay = s.retryDelay
		policy.MaxAttempts = 0
	}
	reqCtx := ctx
	if ctx.Err() != nil {
		// Shutting down: hand the job back right away.
		delay = 0
		reqCtx = context.WithoutCancel(ctx)
	}

	out := msg.Clone()
	out.SetHeader(mq.HeaderDeadReason, cause.Error())
	outcome, err := mq.Requeue(reqCtx, s.queue, topic, out, delay, policy)
	if err != nil && ctx.Err() != nil {
		outcome, err = mq.Requeue(context.WithoutCancel(ctx), s.queue, topic, out, 0, policy)
	}
	if s.metrics != nil {
		s.metrics.ObserveRequeue(outcome.String())
	}
	if err != nil {
		logger.Error(ctx, "requeue job failed", zap.Error(err), zap.NamedError("cause", cause))
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "requeue job failed")
	}
	logger.Info(ctx, "job returned to queue", zap.String("outcome", outcome.String()),
		zap.String("kind", appErr.KindOf(cause).String()), zap.Int("attempt", job.Attempt))
	if outcome != mq.Requeued {
		s.publish(ctx, model.TaskSnapshot{
			TaskID:   job.TaskID,
			DomainID: job.Message.Record.DomainID,
			RecordID: job.Message.Record.ID,
			State:    model.TaskRejected,
			Attempt:  job.Attempt,
			Reason:   cause.Error(),
		})
	}
	return nil
}

func (s *Service) publish(ctx context.Context, snap model.TaskSnapshot) {
	if s.events == nil || snap.TaskID == "" {
		return
	}
	if err := s.events.PublishTaskEvent(context.WithoutCancel(ctx), snap); err != nil {
		logger.Warn(ctx, "publish task event failed", zap.Error(err))
	}
}

func (s *Service) track(msg *mq.Message, job task.Job, start time.Time) {
	s.active.Store(job.TaskID, ActiveTask{
		TaskID:    job.TaskID,
		DomainID:  job.Message.Record.DomainID,
		RecordID:  job.Message.Record.ID,
		Topic:     msg.Topic,
		Attempt:   job.Attempt,
		StartedAt: start,
	})
	if s.metrics != nil {
		s.metrics.ActiveJobs.Inc()
	}
}

func (s *Service) untrack(taskID string) {
	s.active.Delete(taskID)
	if s.metrics != nil {
		s.metrics.ActiveJobs.Dec()
	}
}

func (s *Service) observeJob(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveJob(outcome, time.Since(start))
	}
}

// Active lists the jobs running on this worker, oldest first.
func (s *Service) Active() []ActiveTask {
	out := make([]ActiveTask, 0, s.active.Size())
	s.active.Range(func(_ string, t ActiveTask) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// settled reports a state after which the coordinator already has the
// outcome. REJECTED is excluded: aborted jobs end there before a requeue.
func settled(state model.TaskState) bool {
	return state == model.TaskCleaned || state == model.TaskSystemError
}
