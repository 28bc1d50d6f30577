// Package sandbox runs commands inside per-job docker containers supervised
// by the companion executable.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"tiger/internal/judge/sandbox/observer"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	stopGraceSeconds = 1
	terminateWait    = 10 * time.Second
)

// Session is one isolated execution context bound to a unique name.
type Session struct {
	api      DockerAPI
	name     string
	cfg      Config
	memBytes int64
	metrics  observer.MetricsRecorder

	mu      sync.Mutex
	id      string
	running bool
}

// Option customises a session.
type Option func(*Session)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m observer.MetricsRecorder) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewName returns a fresh session name.
func NewName() string {
	return "runner-" + hexUUID()
}

func hexUUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// NewSession prepares a session. Nothing is created until Open.
// An empty name gets a random one.
func NewSession(api DockerAPI, name string, cfg Config, opts ...Option) (*Session, error) {
	if api == nil {
		return nil, fmt.Errorf("docker api is required")
	}
	cfg.ApplyDefaults()
	mem, err := cfg.memoryBytes()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams)
	}
	if name == "" {
		name = NewName()
	}
	s := &Session{api: api, name: name, cfg: cfg, memBytes: mem, metrics: observer.Nop{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the session (container) name.
func (s *Session) Name() string {
	return s.name
}

// Running reports whether the container is up.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// WithSession opens a session, runs fn and always closes it.
func WithSession(ctx context.Context, api DockerAPI, name string, cfg Config, fn func(*Session) error, opts ...Option) error {
	s, err := NewSession(api, name, cfg, opts...)
	if err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn(ctx, "close sandbox failed", zap.String("sandbox", s.name), zap.Error(cerr))
		}
	}()
	return fn(s)
}

// Open creates and starts the container and installs the companion. When any
// step after creation fails the container is torn down and the original
// error is returned.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return appErr.Newf(appErr.SandboxCreateFailed, "sandbox %s is already open", s.name)
	}

	createCtx := ctx
	if s.cfg.CreateTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, s.cfg.CreateTimeout)
		defer cancel()
	}

	resp, err := s.api.ContainerCreate(createCtx, s.containerConfig(), s.hostConfig(), nil, nil, s.name)
	if err != nil {
		s.metrics.ObserveSession(ctx, "open", err)
		return appErr.Wrapf(err, appErr.SandboxCreateFailed, "create sandbox %s failed", s.name)
	}
	s.id = resp.ID

	if err := s.startAndInstall(createCtx); err != nil {
		if derr := s.destroyLocked(context.WithoutCancel(ctx)); derr != nil {
			logger.Warn(ctx, "teardown after failed open failed", zap.String("sandbox", s.name), zap.Error(derr))
		}
		s.metrics.ObserveSession(ctx, "open", err)
		return appErr.Wrapf(err, appErr.SandboxCreateFailed, "start sandbox %s failed", s.name)
	}
	s.running = true
	s.metrics.ObserveSession(ctx, "open", nil)
	logger.Debug(ctx, "sandbox opened", zap.String("sandbox", s.name), zap.String("image", s.cfg.Image))
	return nil
}

func (s *Session) startAndInstall(ctx context.Context) error {
	if err := s.api.ContainerStart(ctx, s.id, container.StartOptions{}); err != nil {
		return err
	}
	if s.cfg.CompanionBinary == "" {
		return fmt.Errorf("companion binary path is not configured")
	}
	archive, err := tarFiles([]stagedFile{{hostPath: s.cfg.CompanionBinary, name: "runner", mode: 0o555}})
	if err != nil {
		return err
	}
	if err := s.api.CopyToContainer(ctx, s.id, WorkingDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("install companion: %w", err)
	}
	return s.adminLocked(ctx, "chmod", "555", CompanionPath)
}

// Close stops and removes the container. Calling Close on a session that is
// not open is a no-op, so every Open is matched by exactly one teardown.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return nil
	}
	err := s.destroyLocked(ctx)
	s.metrics.ObserveSession(ctx, "close", err)
	if err == nil {
		logger.Debug(ctx, "sandbox closed", zap.String("sandbox", s.name))
	}
	return err
}

// Reset destroys and recreates the container, discarding its filesystem.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.Close(ctx); err != nil {
		return err
	}
	return s.Open(ctx)
}

// Restart stops and starts the container without destroying it.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return appErr.Newf(appErr.SandboxNotRunning, "sandbox %s is not open", s.name)
	}
	timeout := stopGraceSeconds
	if err := s.api.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "stop sandbox %s failed", s.name)
	}
	s.running = false
	if err := s.api.ContainerStart(ctx, s.id, container.StartOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "start sandbox %s failed", s.name)
	}
	s.running = true
	return nil
}

func (s *Session) destroyLocked(ctx context.Context) error {
	timeout := stopGraceSeconds
	stopErr := s.api.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout})
	if stopErr != nil && errdefs.IsNotFound(stopErr) {
		stopErr = nil
	}
	rmErr := s.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: stopErr != nil})
	if rmErr != nil && !errdefs.IsNotFound(rmErr) {
		return appErr.Wrapf(errors.Join(stopErr, rmErr), appErr.JudgeSystemError, "remove sandbox %s failed", s.name)
	}
	s.id = ""
	s.running = false
	return nil
}

func (s *Session) containerConfig() *container.Config {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return &container.Config{
		Image:           s.cfg.Image,
		Cmd:             []string{"/bin/bash"},
		Entrypoint:      []string{""},
		Env:             env,
		Tty:             true,
		OpenStdin:       true,
		WorkingDir:      WorkingDir,
		NetworkDisabled: !s.cfg.AllowNetworkAccess,
	}
}

func (s *Session) hostConfig() *container.HostConfig {
	pids := s.cfg.PidsLimit
	oomKillDisable := true
	hc := &container.HostConfig{
		Privileged: true,
		Resources: container.Resources{
			Memory:         s.memBytes,
			MemorySwap:     s.memBytes,
			PidsLimit:      &pids,
			OomKillDisable: &oomKillDisable,
		},
	}
	if !s.cfg.AllowNetworkAccess {
		hc.NetworkMode = "none"
	}
	return hc
}

func (s *Session) containerID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", appErr.Newf(appErr.SandboxNotRunning, "sandbox %s is not running", s.name)
	}
	return s.id, nil
}

type execOutput struct {
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exitCode int
}

// execIn runs cmd as root in the working directory. A positive wait bounds
// the whole exchange; when it elapses the stream is abandoned and timedOut
// is reported. The output buffer belongs to the copy goroutine until it
// finishes, so it is only returned on the success path.
func (s *Session) execIn(ctx context.Context, id string, cmd []string, stdin io.Reader, wait time.Duration) (*execOutput, bool, error) {
	created, err := s.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		User:         "root",
		WorkingDir:   WorkingDir,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create exec: %w", err)
	}
	hijacked, err := s.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("attach exec: %w", err)
	}
	defer hijacked.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(hijacked.Conn, stdin)
			_ = hijacked.CloseWrite()
		}()
	}

	buf := &execOutput{}
	done := make(chan error, 1)
	go func() {
		_, cerr := stdcopy.StdCopy(&buf.stdout, &buf.stderr, hijacked.Reader)
		done <- cerr
	}()

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case cerr := <-done:
		if cerr != nil {
			return nil, false, fmt.Errorf("read exec output: %w", cerr)
		}
	case <-expired:
		return nil, true, nil
	}

	inspect, err := s.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, false, fmt.Errorf("inspect exec: %w", err)
	}
	buf.exitCode = inspect.ExitCode
	return buf, false, nil
}

// killScript kills the command group and the companion named in the pid
// file passed as $0, then removes the file.
const killScript = `read pid pgid < "$0" || exit 0
[ -n "$pgid" ] && kill -9 -"$pgid" 2>/dev/null
kill -9 "$pid" 2>/dev/null
rm -f "$0"
exit 0`

// terminate kills a companion run the session gave up on, so it cannot keep
// consuming the container's pids and memory.
func (s *Session) terminate(ctx context.Context, id, pidFile string) {
	_, timedOut, err := s.execIn(ctx, id, []string{"/bin/sh", "-c", killScript, pidFile}, nil, terminateWait)
	if err == nil && timedOut {
		err = fmt.Errorf("kill did not finish within %s", terminateWait)
	}
	if err != nil {
		logger.Warn(ctx, "terminate hung command failed", zap.String("sandbox", s.name), zap.Error(err))
	}
}

// pidFilePath names a per-command pid file outside the working directory.
func pidFilePath() string {
	return "/tmp/.runner-" + hexUUID() + ".pid"
}

// adminLocked runs a plain command (not through the companion) and fails on
// a nonzero exit. Callers hold s.mu or own the session exclusively.
func (s *Session) adminLocked(ctx context.Context, cmd ...string) error {
	out, _, err := s.execIn(ctx, s.id, cmd, nil, 0)
	if err != nil {
		return err
	}
	if out.exitCode != 0 {
		return fmt.Errorf("%v exited with %d: %s", cmd, out.exitCode, bytes.TrimSpace(out.stderr.Bytes()))
	}
	return nil
}
