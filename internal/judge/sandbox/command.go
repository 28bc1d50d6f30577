package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"tiger/internal/judge/model"
	"tiger/internal/judge/sandbox/protocol"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// FallbackStderr is reported when the companion never answered within the
// fallback timeout.
const FallbackStderr = "The command exceeded the fallback timeout. If this occurs frequently, contact your system administrator.\n"

// CommandOptions controls a single RunCommand call. Zero values disable the
// corresponding limit.
type CommandOptions struct {
	Timeout           time.Duration
	MaxStackSize      int64
	MaxVirtualMemory  int64
	BlockProcessSpawn bool
	// AsRoot skips the privilege drop to the configured user.
	AsRoot bool
	Stdin  io.Reader
	// Check turns a nonzero or missing exit code into a RunnerCommandFailed error.
	Check          bool
	TruncateStdout int
	TruncateStderr int
}

// CommandError carries the output of a command that failed a checked run.
type CommandError struct {
	Command []string
	Result  *model.CompletedCommand
}

func (e *CommandError) Error() string {
	return string(e.Result.Stdout) + "\n" + string(e.Result.Stderr)
}

// RunShell splits command like a POSIX shell and runs it.
func (s *Session) RunShell(ctx context.Context, command string, opts CommandOptions) (*model.CompletedCommand, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "split command %q", command)
	}
	return s.RunCommand(ctx, argv, opts)
}

// RunCommand runs argv under the companion and returns its measurements.
//
// The companion enforces opts.Timeout itself. When it has not answered after
// the fallback timeout the companion and its command are killed and a
// synthetic result with no exit code is returned. Commands without a timeout
// are still bounded by MinFallbackTimeout. Cancelling ctx does not interrupt
// a running command.
func (s *Session) RunCommand(ctx context.Context, argv []string, opts CommandOptions) (*model.CompletedCommand, error) {
	if len(argv) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("empty command")
	}
	id, err := s.containerID()
	if err != nil {
		return nil, err
	}

	limits := protocol.Limits{
		Timeout:           opts.Timeout,
		MaxStackSize:      opts.MaxStackSize,
		MaxVirtualMemory:  opts.MaxVirtualMemory,
		BlockProcessSpawn: opts.BlockProcessSpawn,
		PidFile:           pidFilePath(),
	}
	if !opts.AsRoot && s.cfg.User != "root" {
		limits.User = s.cfg.User
	}
	full := append(append([]string{CompanionPath}, limits.Args()...), argv...)

	start := time.Now()
	fallback := s.cfg.FallbackTimeout(opts.Timeout)
	out, timedOut, err := s.execIn(ctx, id, full, opts.Stdin, fallback)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveCommand(ctx, elapsed, false, false)
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "exec in sandbox %s failed", s.name)
	}

	var result *model.CompletedCommand
	if timedOut {
		logger.Warn(ctx, "command exceeded fallback timeout",
			zap.String("sandbox", s.name),
			zap.Strings("argv", argv),
			zap.Duration("fallback", fallback),
		)
		s.terminate(ctx, id, limits.PidFile)
		result = fallbackResult()
	} else {
		if out.exitCode != 0 {
			return nil, appErr.Newf(appErr.RunnerCommandFailed, "companion exited with %d: %s", out.exitCode, out.stderr.String())
		}
		report, derr := protocol.Decode(out.stdout.Bytes())
		if derr != nil {
			s.metrics.ObserveCommand(ctx, elapsed, false, false)
			return nil, appErr.Wrap(derr, appErr.RunnerPayloadBroken)
		}
		result = fromReport(report)
	}
	truncate(result, opts.TruncateStdout, opts.TruncateStderr)
	s.metrics.ObserveCommand(ctx, elapsed, result.TimedOut, timedOut)

	if opts.Check && !result.Succeeded() {
		return result, appErr.Wrap(&CommandError{Command: argv, Result: result}, appErr.RunnerCommandFailed)
	}
	return result, nil
}

// AsCommandError extracts the checked-run failure from err.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func fallbackResult() *model.CompletedCommand {
	return &model.CompletedCommand{
		TimedOut:        true,
		Stdout:          []byte{},
		Stderr:          []byte(FallbackStderr),
		StdoutTruncated: false,
		StderrTruncated: true,
	}
}

func fromReport(r protocol.Report) *model.CompletedCommand {
	result := &model.CompletedCommand{
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		TimedOut: r.TimedOut,
		Time:     r.Time,
		Memory:   r.Memory,
	}
	if result.Stdout == nil {
		result.Stdout = []byte{}
	}
	if result.Stderr == nil {
		result.Stderr = []byte{}
	}
	if !r.TimedOut {
		code := r.ReturnCode
		result.ExitCode = &code
	}
	return result
}

func truncate(result *model.CompletedCommand, stdoutLimit, stderrLimit int) {
	if stdoutLimit > 0 && len(result.Stdout) > stdoutLimit {
		result.Stdout = result.Stdout[:stdoutLimit]
		result.StdoutTruncated = true
	}
	if stderrLimit > 0 && len(result.Stderr) > stderrLimit {
		result.Stderr = result.Stderr[:stderrLimit]
		result.StderrTruncated = true
	}
}
