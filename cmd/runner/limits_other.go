//go:build !linux

package main

import (
	"errors"
	"os"
	"os/exec"

	"tiger/internal/judge/sandbox/protocol"
)

var errUnsupported = errors.New("runner is only supported on linux")

func prepareCommand(*exec.Cmd, string) error { return errUnsupported }

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func signalNumber(*os.ProcessState) int { return 0 }

func applyLimits(protocol.Limits) error { return errUnsupported }

func execve(string, []string, []string) error { return errUnsupported }

type meter struct{}

func newMeter() *meter { return &meter{} }

func (*meter) attach(int) {}

func (*meter) read(*os.ProcessState) usage { return usage{} }

func (*meter) close() {}
