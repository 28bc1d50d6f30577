// Command runner is the companion installed inside every sandbox container.
// It runs one command under resource limits and prints a single msgpack
// report followed by a newline on stdout.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"tiger/internal/judge/sandbox/protocol"
)

// exitCommandNotFound is reported when the command could not be started.
const exitCommandNotFound = 127

// initArg marks the re-executed child that applies limits before exec.
const initArg = "--init"

type options struct {
	limits protocol.Limits
	argv   []string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == initArg {
		os.Exit(initChild(os.Args[2:]))
	}
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	report := supervise(opts, os.Stdin)
	if err := protocol.Encode(os.Stdout, report); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "write report:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, errOut io.Writer) (options, error) {
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	fs.SetOutput(errOut)
	timeoutMs := fs.Int64(protocol.FlagTimeoutMs, 0, "wall clock limit in milliseconds")
	stack := fs.Int64(protocol.FlagMaxStackSize, 0, "stack size limit in bytes")
	vmem := fs.Int64(protocol.FlagMaxVirtualMemory, 0, "address space limit in bytes")
	block := fs.Bool(protocol.FlagBlockSpawn, false, "forbid spawning child processes")
	user := fs.String(protocol.FlagUser, "", "run the command as this user")
	pidFile := fs.String(protocol.FlagPidFile, "", "write the companion pid and command pgid here")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() == 0 {
		err := errors.New("usage: runner [flags] -- command [args...]")
		_, _ = fmt.Fprintln(errOut, err)
		return options{}, err
	}
	return options{
		limits: protocol.Limits{
			Timeout:           time.Duration(*timeoutMs) * time.Millisecond,
			MaxStackSize:      *stack,
			MaxVirtualMemory:  *vmem,
			BlockProcessSpawn: *block,
			User:              *user,
			PidFile:           *pidFile,
		},
		argv: fs.Args(),
	}, nil
}

// supervise runs the command in a re-executed child and measures it.
func supervise(opts options, stdin io.Reader) protocol.Report {
	var stdout, stderr bytes.Buffer
	self, err := os.Executable()
	if err != nil {
		return startFailure(err)
	}
	childLimits := opts.limits
	childLimits.PidFile = ""
	childArgs := append([]string{initArg}, childLimits.Args()...)
	childArgs = append(childArgs, opts.argv...)
	cmd := exec.Command(self, childArgs...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := prepareCommand(cmd, opts.limits.User); err != nil {
		return startFailure(err)
	}

	meter := newMeter()
	defer meter.close()

	if opts.limits.PidFile != "" {
		defer os.Remove(opts.limits.PidFile)
		writePidFile(opts.limits.PidFile, os.Getpid(), 0)
	}
	if err := cmd.Start(); err != nil {
		return startFailure(err)
	}
	meter.attach(cmd.Process.Pid)
	if opts.limits.PidFile != "" {
		// The command leads its own process group.
		writePidFile(opts.limits.PidFile, os.Getpid(), cmd.Process.Pid)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var expired <-chan time.Time
	if opts.limits.Timeout > 0 {
		timer := time.NewTimer(opts.limits.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-expired:
		timedOut = true
		killGroup(cmd)
		waitErr = <-waitCh
	}

	usage := meter.read(cmd.ProcessState)
	return protocol.Report{
		ReturnCode: exitCode(waitErr, cmd.ProcessState),
		TimedOut:   timedOut,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		Time:       usage.timeMs,
		Memory:     usage.memoryKB,
	}
}

// writePidFile lets the host kill a hung run. Failures are ignored: the file
// only matters when the host gives up on the companion.
func writePidFile(path string, self, pgid int) {
	line := strconv.Itoa(self)
	if pgid > 0 {
		line += " " + strconv.Itoa(pgid)
	}
	_ = os.WriteFile(path, []byte(line+"\n"), 0o600)
}

func startFailure(err error) protocol.Report {
	return protocol.Report{
		ReturnCode: exitCommandNotFound,
		Stdout:     []byte{},
		Stderr:     []byte(err.Error() + "\n"),
	}
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		if code := state.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		return 128 + signalNumber(state)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return exitCommandNotFound
	}
	return 0
}

// initChild applies the limits to itself and replaces its image with the
// command. It only returns on failure.
func initChild(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if err != nil {
		return exitCommandNotFound
	}
	if err := applyLimits(opts.limits); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "apply limits:", err)
		return exitCommandNotFound
	}
	path, err := exec.LookPath(opts.argv[0])
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return exitCommandNotFound
	}
	if err := execve(path, opts.argv, os.Environ()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "exec:", err)
	}
	return exitCommandNotFound
}

type usage struct {
	timeMs   int64
	memoryKB int64
}
