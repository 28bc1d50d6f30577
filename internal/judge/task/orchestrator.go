// Package task drives one judging job from claim to cleanup.
package task

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"tiger/internal/judge/model"
	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/verdict"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultCompileTimeout = 30 * time.Second
	defaultCaseTimeout    = 10 * time.Second
	defaultOutputLimit    = 16 << 20
	defaultStderrLimit    = 64 << 10
	defaultSubmitLimit    = 8
	defaultTokenSkew      = 30 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	WorkRoot string `yaml:"workRoot"`
	// ExecuteOnCompileError runs the cases even when compilation failed.
	// Otherwise every case is reported as canceled.
	ExecuteOnCompileError bool          `yaml:"executeOnCompileError"`
	CompileTimeout        time.Duration `yaml:"compileTimeout"`
	// CaseTimeout applies to cases without time_limit_ms.
	CaseTimeout time.Duration `yaml:"caseTimeout"`
	// OutputLimit is the stdout cap of a case without its own limit.
	OutputLimit int `yaml:"outputLimit"`
	StderrLimit int `yaml:"stderrLimit"`
	// SubmitConcurrency bounds in-flight background submissions per job.
	SubmitConcurrency int `yaml:"submitConcurrency"`
	// TokenSkew is how early an expiring token triggers a new login.
	TokenSkew time.Duration `yaml:"tokenSkew"`
	// SandboxUser owns the staged submission files.
	SandboxUser string `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = defaultCompileTimeout
	}
	if c.CaseTimeout <= 0 {
		c.CaseTimeout = defaultCaseTimeout
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = defaultOutputLimit
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = defaultStderrLimit
	}
	if c.SubmitConcurrency <= 0 {
		c.SubmitConcurrency = defaultSubmitLimit
	}
	if c.TokenSkew <= 0 {
		c.TokenSkew = defaultTokenSkew
	}
}

// Orchestrator runs the job state machine.
type Orchestrator struct {
	cfg        Config
	login      LoginFunc
	fetcher    ArtifactFetcher
	newSandbox SandboxFactory
	states     StateRecorder
	now        func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStateRecorder persists every transition.
func WithStateRecorder(r StateRecorder) Option {
	return func(o *Orchestrator) {
		o.states = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator wires the collaborators of a job.
func NewOrchestrator(cfg Config, login LoginFunc, f ArtifactFetcher, newSandbox SandboxFactory, opts ...Option) (*Orchestrator, error) {
	if login == nil {
		return nil, fmt.Errorf("login is required")
	}
	if f == nil {
		return nil, fmt.Errorf("artifact fetcher is required")
	}
	if newSandbox == nil {
		return nil, fmt.Errorf("sandbox factory is required")
	}
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		login:      login,
		fetcher:    f,
		newSandbox: newSandbox,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one job. A nil error means the job is settled and must not
// be requeued; the snapshot tells how it ended. A non-nil error carries the
// kind the caller uses to decide between requeue and drop.
func (o *Orchestrator) Run(ctx context.Context, job Job) (model.TaskSnapshot, error) {
	ctx = withFields(ctx, job)
	tc := newContext(job, o.cfg.SubmitConcurrency)
	o.transition(ctx, tc, model.TaskNew, "")

	client, err := o.login(ctx, tc.BaseURL)
	if err != nil {
		return o.abort(ctx, tc, err)
	}
	tc.setClient(client)
	o.transition(ctx, tc, model.TaskAuthenticated, "")

	creds, err := client.Claim(ctx, tc.Record.DomainID, tc.Record.ID, tc.TaskID)
	tc.Credentials = creds
	if err != nil {
		if appErr.KindOf(err) == appErr.KindFatal {
			return o.rejectClaim(ctx, tc, err)
		}
		return o.abort(ctx, tc, err)
	}
	o.transition(ctx, tc, model.TaskClaimed, "")

	status, err := o.judge(ctx, tc)
	if err != nil {
		err = interrupted(ctx, err)
		if appErr.KindOf(err) != appErr.KindFatal {
			return o.abort(ctx, tc, err)
		}
		return o.systemError(ctx, tc, err)
	}
	snap := o.transition(ctx, tc, model.TaskCleaned, "")
	snap.Status = status
	return snap, nil
}

// judge fetches, compiles, executes and submits. The sandbox is closed after
// all background submissions returned, on every path. A fatal failure once the
// sandbox is open is reported as system_error before the sandbox is released.
func (o *Orchestrator) judge(ctx context.Context, tc *Context) (status model.Status, err error) {
	if err := os.MkdirAll(o.cfg.WorkRoot, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create work root failed")
	}
	workDir, err := os.MkdirTemp(o.cfg.WorkRoot, "task-")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create work dir failed")
	}
	defer func() {
		if rerr := os.RemoveAll(workDir); rerr != nil {
			logger.Warn(ctx, "remove work dir failed", zap.String("dir", workDir), zap.Error(rerr))
		}
	}()

	arts, err := o.fetcher.Fetch(ctx, tc.Credentials, workDir)
	if err != nil {
		return "", err
	}
	o.transition(ctx, tc, model.TaskArtifactsFetched, "")

	problem, err := model.LoadProblemConfig(filepath.Join(arts.ProblemDir, model.ProblemConfigFile))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidFormat, "load problem config failed")
	}
	lang, ok := problem.Language(tc.Record.Language)
	if !ok {
		return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not configured for this problem", tc.Record.Language)
	}

	sb, err := o.newSandbox(lang.Image)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxCreateFailed, "create sandbox failed")
	}
	if err := sb.Open(ctx); err != nil {
		return "", err
	}
	defer func() {
		if werr := tc.Wait(); werr != nil && err == nil {
			err = werr
		}
		if err != nil {
			err = interrupted(ctx, err)
			if appErr.KindOf(err) == appErr.KindFatal {
				tc.setSystemErrorSubmitted(o.submitSystemError(ctx, tc))
			}
		}
		if cerr := sb.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn(ctx, "close sandbox failed", zap.Error(cerr))
		}
	}()

	files, err := listFiles(arts.RecordDir)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "list submission files failed")
	}
	if err := sb.AddFiles(ctx, files, sandbox.FileOptions{Owner: o.cfg.SandboxUser}); err != nil {
		return "", err
	}

	compileFailed, err := o.compile(ctx, tc, sb, lang)
	if err != nil {
		return "", err
	}
	o.transition(ctx, tc, model.TaskCompiled, "")

	cmp := verdict.NewComparator(problem.StrictCompare)
	skip := compileFailed && !o.cfg.ExecuteOnCompileError
	for i, c := range problem.Cases {
		res := model.ExecuteResult{Index: i, Status: model.StatusCanceled}
		if !skip {
			res, err = o.runCase(ctx, sb, arts.ProblemDir, lang, i, c, cmp)
			if err != nil {
				return "", err
			}
		}
		tc.addCase(res)
		o.submitCase(ctx, tc, res)
	}
	o.transition(ctx, tc, model.TaskExecuted, "")

	result := tc.result(verdict.Record(compileFailed, tc.Cases()), o.now())
	tc.Go(ctx, "record", func() error {
		client, err := tc.coordinator(ctx, o.login, o.cfg.TokenSkew)
		if err != nil {
			return err
		}
		return client.SubmitRecord(ctx, tc.Record.DomainID, tc.Record.ID, result)
	})
	if err := tc.Wait(); err != nil {
		return "", err
	}
	o.transition(ctx, tc, model.TaskSubmitted, "")
	logger.Info(ctx, "record judged", zap.String("status", string(result.Status)),
		zap.Int("score", result.Score()), zap.Int("cases", len(result.Cases)))
	return result.Status, nil
}

func (o *Orchestrator) compile(ctx context.Context, tc *Context, sb Sandbox, lang model.LanguageConfig) (bool, error) {
	if lang.Compile == "" {
		return false, nil
	}
	timeout := o.cfg.CompileTimeout
	if lang.CompileTimeout > 0 {
		timeout = time.Duration(lang.CompileTimeout) * time.Second
	}
	res, err := sb.RunShell(ctx, lang.Compile, sandbox.CommandOptions{
		Timeout:        timeout,
		TruncateStdout: o.cfg.OutputLimit,
		TruncateStderr: o.cfg.StderrLimit,
	})
	if err != nil {
		return false, err
	}
	tc.setCompile(res)
	if !res.Succeeded() {
		logger.Info(ctx, "compile failed", zap.Bool("timed_out", res.TimedOut), zap.Intp("exit_code", res.ExitCode))
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) runCase(ctx context.Context, sb Sandbox, problemDir string, lang model.LanguageConfig, idx int, c model.CaseConfig, cmp *verdict.Comparator) (model.ExecuteResult, error) {
	expected, err := os.ReadFile(problemFile(problemDir, c.Output))
	if err != nil {
		return model.ExecuteResult{}, appErr.Wrapf(err, appErr.InvalidFormat, "read answer of case %d failed", idx)
	}
	input, err := os.Open(problemFile(problemDir, c.Input))
	if err != nil {
		return model.ExecuteResult{}, appErr.Wrapf(err, appErr.InvalidFormat, "open input of case %d failed", idx)
	}
	defer input.Close()

	outputLimit := c.OutputLimitBytes
	if outputLimit <= 0 {
		outputLimit = o.cfg.OutputLimit
	}
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = o.cfg.CaseTimeout
	}
	opts := sandbox.CommandOptions{
		Timeout:           timeout,
		BlockProcessSpawn: true,
		Stdin:             input,
		TruncateStdout:    outputLimit,
		TruncateStderr:    o.cfg.StderrLimit,
	}
	if c.MemoryLimitKB > 0 {
		opts.MaxStackSize = c.MemoryLimitKB * 1024
	}
	cmd, err := sb.RunShell(ctx, lang.Execute, opts)
	if err != nil {
		return model.ExecuteResult{}, err
	}
	status := verdict.Case(*cmd, c, expected, cmp)
	logger.Debug(ctx, "case executed", zap.Int("case", idx), zap.String("status", string(status)),
		zap.Int64("time_ms", cmd.Time), zap.Int64("memory_kb", cmd.Memory))
	return model.ExecuteResult{
		Index:   idx,
		Status:  status,
		Score:   verdict.Score(status, c),
		Command: *cmd,
	}, nil
}

func (o *Orchestrator) submitCase(ctx context.Context, tc *Context, res model.ExecuteResult) {
	tc.Go(ctx, fmt.Sprintf("case %d", res.Index), func() error {
		client, err := tc.coordinator(ctx, o.login, o.cfg.TokenSkew)
		if err != nil {
			return err
		}
		return client.SubmitCase(ctx, tc.Record.DomainID, tc.Record.ID, res.Index, res)
	})
}

// rejectClaim handles an explicit claim refusal. The rejection is reported
// only when the coordinator still granted credentials.
func (o *Orchestrator) rejectClaim(ctx context.Context, tc *Context, cause error) (model.TaskSnapshot, error) {
	if tc.Credentials.Empty() {
		logger.Warn(ctx, "claim rejected", zap.Error(cause))
		snap := o.transition(ctx, tc, model.TaskRejected, cause.Error())
		snap.Status = model.StatusRejected
		return snap, nil
	}
	client, err := tc.coordinator(ctx, o.login, o.cfg.TokenSkew)
	if err == nil {
		err = client.SubmitRecord(ctx, tc.Record.DomainID, tc.Record.ID, tc.result(model.StatusRejected, o.now()))
	}
	if err != nil {
		return o.abort(ctx, tc, err)
	}
	snap := o.transition(ctx, tc, model.TaskRejected, cause.Error())
	snap.Status = model.StatusRejected
	return snap, nil
}

// systemError settles a fatal failure. The system_error record is submitted
// here unless judge already did so while the sandbox was open.
func (o *Orchestrator) systemError(ctx context.Context, tc *Context, cause error) (model.TaskSnapshot, error) {
	logger.Error(ctx, "job failed", zap.Error(cause), zap.String("state", string(tc.State())))
	done, err := tc.systemErrorSubmitted()
	if !done {
		err = o.submitSystemError(ctx, tc)
	}
	snap := o.transition(ctx, tc, model.TaskSystemError, cause.Error())
	snap.Status = model.StatusSystemError
	if err != nil {
		logger.Error(ctx, "submit system error failed", zap.Error(err))
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) submitSystemError(ctx context.Context, tc *Context) error {
	client, err := tc.coordinator(ctx, o.login, o.cfg.TokenSkew)
	if err != nil {
		return err
	}
	return client.SubmitRecord(ctx, tc.Record.DomainID, tc.Record.ID, tc.result(model.StatusSystemError, o.now()))
}

// interrupted turns a fatal failure caused by cancellation into a requeue.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil && appErr.KindOf(err) == appErr.KindFatal {
		return appErr.Wrapf(err, appErr.WorkerRejected, "job interrupted")
	}
	return err
}

// abort ends the job without a submission so it can be requeued.
func (o *Orchestrator) abort(ctx context.Context, tc *Context, cause error) (model.TaskSnapshot, error) {
	kind := appErr.KindOf(cause)
	logger.Warn(ctx, "job aborted", zap.String("kind", kind.String()),
		zap.String("state", string(tc.State())), zap.Error(cause))
	snap := o.transition(ctx, tc, model.TaskRejected, cause.Error())
	return snap, cause
}

func (o *Orchestrator) transition(ctx context.Context, tc *Context, s model.TaskState, reason string) model.TaskSnapshot {
	snap := tc.setState(s, reason)
	logger.Info(ctx, "task state", zap.String("state", string(s)))
	if o.states != nil {
		if err := o.states.Save(context.WithoutCancel(ctx), snap); err != nil {
			logger.Warn(ctx, "record task state failed", zap.Error(err))
		}
	}
	return snap
}

func problemFile(dir, name string) string {
	return filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
}

// listFiles returns the regular files directly under dir, sorted.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeType != 0 {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
