package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tiger/internal/common/cache"
	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"
)

const (
	taskKeyPrefix  = "tiger:task:"
	leaseKeyPrefix = "tiger:lease:"

	defaultTaskTTL = 24 * time.Hour
)

// TaskRepository keeps the latest snapshot of every task this fleet has
// seen, plus a lease so that one task id is worked by one worker at a time.
type TaskRepository struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewTaskRepository creates a repository. A zero ttl keeps snapshots a day.
func NewTaskRepository(c cache.Cache, ttl time.Duration) *TaskRepository {
	if ttl <= 0 {
		ttl = defaultTaskTTL
	}
	return &TaskRepository{cache: c, ttl: ttl, now: time.Now}
}

// Get returns the snapshot of a task.
func (r *TaskRepository) Get(ctx context.Context, taskID string) (model.TaskSnapshot, error) {
	if taskID == "" {
		return model.TaskSnapshot{}, appErr.ValidationError("task_id", "required")
	}
	if r.cache == nil {
		return model.TaskSnapshot{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, taskKeyPrefix+taskID)
	if err != nil {
		return model.TaskSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "load task state failed")
	}
	if val == "" {
		return model.TaskSnapshot{}, appErr.New(appErr.NotFound).WithMessage("task not found")
	}
	var snap model.TaskSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return model.TaskSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "decode task state failed")
	}
	return snap, nil
}

// Save stores a snapshot, stamping UpdatedAt.
func (r *TaskRepository) Save(ctx context.Context, snap model.TaskSnapshot) error {
	if snap.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	snap.UpdatedAt = r.now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal task state failed: %w", err)
	}
	if err := r.cache.Set(ctx, taskKeyPrefix+snap.TaskID, string(data), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store task state failed")
	}
	return nil
}

// Acquire takes the task lease for owner. A held lease is reported as a
// worker reject so the message goes back to the queue.
func (r *TaskRepository) Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) error {
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	ok, err := r.cache.TryLock(ctx, leaseKeyPrefix+taskID, owner, ttl)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "acquire task lease failed")
	}
	if !ok {
		return appErr.WorkerReject("task %s is being judged by another worker", taskID)
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (r *TaskRepository) Release(ctx context.Context, taskID, owner string) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Unlock(ctx, leaseKeyPrefix+taskID, owner); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release task lease failed")
	}
	return nil
}
