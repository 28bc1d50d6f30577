package errors

import (
	"context"
	stderrors "errors"
)

// Kind is the retry classification consumed by the task orchestrator.
type Kind int

const (
	// KindFatal marks the job as a system error. It is never requeued.
	KindFatal Kind = iota
	// KindWorkerReject returns the job to the queue for another worker.
	KindWorkerReject
	// KindRetryable re-enqueues the job after a fixed delay.
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindWorkerReject:
		return "worker_reject"
	case KindRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Kind maps the code to its retry classification.
func (c ErrorCode) Kind() Kind {
	switch c {
	case WorkerRejected, LoginFailed, ClaimFailed, SubmitFailed,
		LanguageNotSupported, ProblemConfigMissing, ServiceUnavailable, JudgeQueueFull:
		return KindWorkerReject
	case TransientFailure, ArtifactFetchFailed, Timeout:
		return KindRetryable
	default:
		return KindFatal
	}
}

// KindOf classifies any error. Unclassified errors are fatal, and a deadline
// hit while talking to a collaborator is retryable.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code.Kind()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	return KindFatal
}
