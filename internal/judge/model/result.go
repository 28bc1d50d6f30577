package model

import "time"

// CompletedCommand is the outcome of one supervised command. A nil ExitCode
// means no exit was observed, which is always the case when TimedOut is set.
type CompletedCommand struct {
	ExitCode        *int   `json:"return_code"`
	Stdout          []byte `json:"stdout"`
	Stderr          []byte `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
	TimedOut        bool   `json:"timed_out"`
	Time            int64  `json:"time_ms"`
	Memory          int64  `json:"memory_kb"`
}

// Succeeded reports a clean zero exit within limits.
func (c CompletedCommand) Succeeded() bool {
	return !c.TimedOut && c.ExitCode != nil && *c.ExitCode == 0
}

// ExecuteResult pairs a case verdict with the command that produced it.
type ExecuteResult struct {
	Index   int              `json:"index"`
	Status  Status           `json:"status"`
	Score   int              `json:"score"`
	Command CompletedCommand `json:"command"`
}

// SubmitResult is the aggregate outcome of one job.
type SubmitResult struct {
	Status   Status            `json:"status"`
	Compile  *CompletedCommand `json:"compile,omitempty"`
	Cases    []ExecuteResult   `json:"cases"`
	JudgedAt time.Time         `json:"judged_at"`
}

// Score sums case scores.
func (r SubmitResult) Score() int {
	total := 0
	for _, c := range r.Cases {
		total += c.Score
	}
	return total
}

// TimeMs sums case wall time.
func (r SubmitResult) TimeMs() int64 {
	var total int64
	for _, c := range r.Cases {
		total += c.Command.Time
	}
	return total
}

// MemoryKB returns the peak memory over all cases.
func (r SubmitResult) MemoryKB() int64 {
	var peak int64
	for _, c := range r.Cases {
		if c.Command.Memory > peak {
			peak = c.Command.Memory
		}
	}
	return peak
}
