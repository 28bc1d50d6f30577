//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"tiger/internal/judge/sandbox/protocol"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const cgroupPrefix = "/tiger.runner"

func prepareCommand(cmd *exec.Cmd, username string) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if username == "" || username == "root" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	cmd.Env = append(os.Environ(), "HOME="+u.HomeDir, "USER="+u.Username)
	return nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func signalNumber(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}

func applyLimits(l protocol.Limits) error {
	if l.MaxStackSize > 0 {
		v := uint64(l.MaxStackSize)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	if l.MaxVirtualMemory > 0 {
		v := uint64(l.MaxVirtualMemory)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if l.BlockProcessSpawn {
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

func execve(path string, argv, env []string) error {
	return unix.Exec(path, argv, env)
}

// meter reads cpu time and peak memory from a per-run v1 cgroup, falling back
// to rusage when cgroups are unavailable.
type meter struct {
	control cgroups.Cgroup
}

func newMeter() *meter {
	path := fmt.Sprintf("%s/%d", cgroupPrefix, os.Getpid())
	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), &specs.LinuxResources{})
	if err != nil {
		return &meter{}
	}
	return &meter{control: control}
}

func (m *meter) attach(pid int) {
	if m.control == nil {
		return
	}
	if err := m.control.Add(cgroups.Process{Pid: pid}); err != nil {
		_ = m.control.Delete()
		m.control = nil
	}
}

func (m *meter) read(state *os.ProcessState) usage {
	var u usage
	if m.control != nil {
		if stats, err := m.control.Stat(cgroups.IgnoreNotExist); err == nil {
			if stats.CPU != nil && stats.CPU.Usage != nil {
				u.timeMs = int64(stats.CPU.Usage.Total / 1_000_000)
			}
			if stats.Memory != nil && stats.Memory.Usage != nil {
				u.memoryKB = int64(stats.Memory.Usage.Max / 1024)
			}
		}
	}
	if state == nil {
		return u
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return u
	}
	if u.timeMs == 0 {
		u.timeMs = (ru.Utime.Nano() + ru.Stime.Nano()) / 1_000_000
	}
	// A killed group may leave the cgroup peak at zero.
	if u.memoryKB == 0 {
		u.memoryKB = ru.Maxrss
	}
	return u
}

func (m *meter) close() {
	if m.control != nil {
		_ = m.control.Delete()
	}
}
