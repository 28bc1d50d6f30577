package model

// Status is the verdict vocabulary shared by cases and whole records.
type Status string

const (
	StatusAccepted            Status = "accepted"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusOutputLimitExceeded Status = "output_limit_exceeded"
	StatusRuntimeError        Status = "runtime_error"
	StatusCompileError        Status = "compile_error"
	StatusSystemError         Status = "system_error"
	StatusCanceled            Status = "canceled"
	StatusEtc                 Status = "etc"

	// StatusRejected is record-level only: the coordinator refused the claim.
	StatusRejected Status = "rejected"
)

// IsAccepted reports whether s is the accepted verdict.
func (s Status) IsAccepted() bool {
	return s == StatusAccepted
}
