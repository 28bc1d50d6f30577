// Package verdict turns measured commands into case and record statuses.
package verdict

import (
	"tiger/internal/judge/model"
)

// Case classifies one executed case. Checks run in a fixed order: time,
// memory, output size, exit code, then output content.
func Case(cmd model.CompletedCommand, limits model.CaseConfig, expected []byte, cmp *Comparator) model.Status {
	switch {
	case cmd.TimedOut || cmd.ExitCode == nil:
		return model.StatusTimeLimitExceeded
	case limits.TimeLimitMs > 0 && cmd.Time > limits.TimeLimitMs:
		return model.StatusTimeLimitExceeded
	case limits.MemoryLimitKB > 0 && cmd.Memory > limits.MemoryLimitKB:
		return model.StatusMemoryLimitExceeded
	case cmd.StdoutTruncated:
		return model.StatusOutputLimitExceeded
	case *cmd.ExitCode != 0:
		return model.StatusRuntimeError
	case !cmp.Equal(cmd.Stdout, expected):
		return model.StatusWrongAnswer
	default:
		return model.StatusAccepted
	}
}

// Score returns the case score for status.
func Score(status model.Status, limits model.CaseConfig) int {
	if status.IsAccepted() {
		return limits.FullScore()
	}
	return 0
}

// Record aggregates case statuses into the record status.
func Record(compileFailed bool, cases []model.ExecuteResult) model.Status {
	if compileFailed {
		return model.StatusCompileError
	}
	for _, c := range cases {
		if !c.Status.IsAccepted() {
			return c.Status
		}
	}
	return model.StatusAccepted
}
