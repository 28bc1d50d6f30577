package task

import (
	"context"
	"sync"
	"time"

	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/contextkey"
	"tiger/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one delivery of a judging job.
type Job struct {
	TaskID  string
	Attempt int
	Message model.JobMessage
}

// Context is the per-job state: identity, credentials, the coordinator
// session and the in-flight submissions awaited before cleanup.
type Context struct {
	TaskID      string
	Attempt     int
	Record      model.Record
	BaseURL     string
	Credentials model.JobCredentials

	submissions errgroup.Group

	mu       sync.Mutex
	client   Coordinator
	relogged bool
	state    model.TaskState
	reason   string
	compile  *model.CompletedCommand
	cases    []model.ExecuteResult

	sysErrDone bool
	sysErr     error
}

func newContext(job Job, submitLimit int) *Context {
	tc := &Context{
		TaskID:  job.TaskID,
		Attempt: job.Attempt,
		Record:  job.Message.Record,
		BaseURL: job.Message.BaseURL,
		state:   model.TaskNew,
	}
	if submitLimit > 0 {
		tc.submissions.SetLimit(submitLimit)
	}
	return tc
}

// withFields attaches the job identity for logging.
func withFields(ctx context.Context, job Job) context.Context {
	ctx = context.WithValue(ctx, contextkey.TaskID, job.TaskID)
	ctx = context.WithValue(ctx, contextkey.DomainID, job.Message.Record.DomainID)
	return context.WithValue(ctx, contextkey.RecordID, job.Message.Record.ID)
}

// State returns the current state.
func (c *Context) State() model.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(s model.TaskState, reason string) model.TaskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.reason = reason
	return model.TaskSnapshot{
		TaskID:   c.TaskID,
		DomainID: c.Record.DomainID,
		RecordID: c.Record.ID,
		State:    s,
		Attempt:  c.Attempt,
		Reason:   reason,
	}
}

func (c *Context) setClient(client Coordinator) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

// coordinator returns the session, logging in again once when the token is
// about to expire.
func (c *Context) coordinator(ctx context.Context, login LoginFunc, skew time.Duration) (Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, appErr.New(appErr.JudgeSystemError).WithMessage("coordinator session missing")
	}
	if c.relogged || login == nil || !c.client.Expired(skew) {
		return c.client, nil
	}
	logger.Info(ctx, "coordinator token expiring, logging in again")
	fresh, err := login(ctx, c.BaseURL)
	if err != nil {
		return nil, err
	}
	c.client = fresh
	c.relogged = true
	return fresh, nil
}

func (c *Context) setCompile(cmd *model.CompletedCommand) {
	c.mu.Lock()
	c.compile = cmd
	c.mu.Unlock()
}

func (c *Context) addCase(res model.ExecuteResult) {
	c.mu.Lock()
	c.cases = append(c.cases, res)
	c.mu.Unlock()
}

// Cases returns a copy of the executed cases.
func (c *Context) Cases() []model.ExecuteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ExecuteResult, len(c.cases))
	copy(out, c.cases)
	return out
}

func (c *Context) setSystemErrorSubmitted(err error) {
	c.mu.Lock()
	c.sysErrDone = true
	c.sysErr = err
	c.mu.Unlock()
}

// systemErrorSubmitted reports whether the system_error record was already
// sent and how that went.
func (c *Context) systemErrorSubmitted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysErrDone, c.sysErr
}

// result assembles the SubmitResult from what has run so far.
func (c *Context) result(status model.Status, at time.Time) model.SubmitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	cases := make([]model.ExecuteResult, len(c.cases))
	copy(cases, c.cases)
	return model.SubmitResult{
		Status:   status,
		Compile:  c.compile,
		Cases:    cases,
		JudgedAt: at,
	}
}

// Go schedules a background submission.
func (c *Context) Go(ctx context.Context, name string, fn func() error) {
	c.submissions.Go(func() error {
		if err := fn(); err != nil {
			logger.Warn(ctx, "background submission failed", zap.String("submission", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// Wait blocks until every scheduled submission finished and returns the
// first failure. It may be called more than once.
func (c *Context) Wait() error {
	return c.submissions.Wait()
}
