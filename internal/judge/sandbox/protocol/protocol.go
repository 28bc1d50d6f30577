// Package protocol defines the contract between the sandbox runner and the
// companion executable installed inside every sandbox container.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Companion flag names.
const (
	FlagTimeoutMs        = "timeout-ms"
	FlagMaxStackSize     = "max-stack-size"
	FlagMaxVirtualMemory = "max-virtual-memory"
	FlagBlockSpawn       = "block-process-spawn"
	FlagUser             = "user"
	FlagPidFile          = "pid-file"
)

// Report is the single payload the companion prints per command.
type Report struct {
	ReturnCode int    `msgpack:"ReturnCode"`
	TimedOut   bool   `msgpack:"TimedOut"`
	Stdout     []byte `msgpack:"Stdout"`
	Stderr     []byte `msgpack:"Stderr"`
	Time       int64  `msgpack:"Time"`   // ms
	Memory     int64  `msgpack:"Memory"` // KB
}

// Limits are enforced by the companion on the supervised command.
type Limits struct {
	Timeout           time.Duration
	MaxStackSize      int64 // bytes
	MaxVirtualMemory  int64 // bytes
	BlockProcessSpawn bool
	User              string
	// PidFile receives "<companion pid> <command pgid>" while the command runs.
	PidFile string
}

// Args renders limits as companion flags. The command follows a "--".
func (l Limits) Args() []string {
	var args []string
	if l.Timeout > 0 {
		args = append(args, "--"+FlagTimeoutMs, strconv.FormatInt(l.Timeout.Milliseconds(), 10))
	}
	if l.MaxStackSize > 0 {
		args = append(args, "--"+FlagMaxStackSize, strconv.FormatInt(l.MaxStackSize, 10))
	}
	if l.MaxVirtualMemory > 0 {
		args = append(args, "--"+FlagMaxVirtualMemory, strconv.FormatInt(l.MaxVirtualMemory, 10))
	}
	if l.BlockProcessSpawn {
		args = append(args, "--"+FlagBlockSpawn)
	}
	if l.User != "" {
		args = append(args, "--"+FlagUser, l.User)
	}
	if l.PidFile != "" {
		args = append(args, "--"+FlagPidFile, l.PidFile)
	}
	return append(args, "--")
}

// Encode writes the msgpack payload followed by one newline.
func Encode(w io.Writer, r Report) error {
	b, err := msgpack.Marshal(&r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ErrEmptyPayload is returned when the companion printed nothing.
var ErrEmptyPayload = errors.New("companion payload is empty")

// Decode parses companion stdout. Only the single trailing newline is removed:
// the payload is binary and may end in bytes that look like whitespace.
func Decode(raw []byte) (Report, error) {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	if len(raw) == 0 {
		return Report{}, ErrEmptyPayload
	}
	if c := raw[0]; !msgpcode.IsFixedMap(c) && c != msgpcode.Map16 && c != msgpcode.Map32 {
		return Report{}, fmt.Errorf("decode companion payload: expected map, got code 0x%02x", c)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields(true)
	var r Report
	if err := dec.Decode(&r); err != nil {
		return Report{}, fmt.Errorf("decode companion payload: %w", err)
	}
	return r, nil
}
