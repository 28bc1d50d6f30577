package sandbox_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/sandbox/protocol"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type execReply struct {
	stdout []byte
	stderr []byte
	exit   int
	// hang keeps the stream open until the test ends.
	hang bool
}

type fakeDocker struct {
	mu sync.Mutex

	created    []*container.Config
	hostCfgs   []*container.HostConfig
	names      []string
	started    int
	stopped    int
	removed    int
	copies     []string
	copiedTars [][]byte
	execs      [][]string
	execUsers  []string

	startErr error
	handler  func(cmd []string) execReply
	// live maps container ids to names that are still taken.
	live map[string]string

	pending  map[string]execReply
	hangs    []*io.PipeWriter
	nextExec int
}

func newFakeDocker(t *testing.T, handler func(cmd []string) execReply) *fakeDocker {
	f := &fakeDocker{handler: handler, pending: make(map[string]execReply), live: make(map[string]string)}
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, w := range f.hangs {
			_ = w.Close()
		}
	})
	return f
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "cid-" + name
	if _, taken := f.live[id]; taken {
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("container name %q is already in use", "/"+name))
	}
	f.live[id] = name
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, host)
	f.names = append(f.names, name)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeDocker) ContainerStop(context.Context, string, container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.removed++
	return nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _ string, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, dst)
	f.copiedTars = append(f.copiedTars, data)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (types.IDResponse, error) {
	reply := execReply{}
	if f.handler != nil {
		reply = f.handler(opts.Cmd)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, opts.Cmd)
	f.execUsers = append(f.execUsers, opts.User)
	f.nextExec++
	id := "exec-" + strconv.Itoa(f.nextExec)
	f.pending[id] = reply
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	reply := f.pending[execID]
	f.mu.Unlock()

	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
	}()

	if reply.hang {
		r, w := io.Pipe()
		f.mu.Lock()
		f.hangs = append(f.hangs, w)
		f.mu.Unlock()
		return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(r)}, nil
	}
	var framed bytes.Buffer
	if len(reply.stdout) > 0 {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write(reply.stdout)
	}
	if len(reply.stderr) > 0 {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write(reply.stderr)
	}
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&framed)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply, ok := f.pending[execID]
	if !ok {
		return container.ExecInspect{}, errors.New("no such exec")
	}
	return container.ExecInspect{ExecID: execID, ExitCode: reply.exit}, nil
}

func (f *fakeDocker) execCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.execs))
	copy(out, f.execs)
	return out
}

// reportReply answers companion invocations with r and admin commands with success.
func reportReply(t *testing.T, r protocol.Report) func([]string) execReply {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, r); err != nil {
		t.Fatalf("encode report: %v", err)
	}
	payload := buf.Bytes()
	return func(cmd []string) execReply {
		if len(cmd) > 0 && cmd[0] == sandbox.CompanionPath {
			return execReply{stdout: payload}
		}
		return execReply{}
	}
}

func companionFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner")
	if err := os.WriteFile(path, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write companion: %v", err)
	}
	return path
}
