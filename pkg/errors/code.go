package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Job intake and coordination errors
// 13100-13199: Judge and sandbox errors
const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// ========== Job Intake & Coordination (13000-13099) ==========

	WorkerRejected       ErrorCode = 13000
	TransientFailure     ErrorCode = 13001
	LoginFailed          ErrorCode = 13002
	ClaimFailed          ErrorCode = 13003
	ClaimRejected        ErrorCode = 13004
	SubmitFailed         ErrorCode = 13005
	LanguageNotSupported ErrorCode = 13006
	ProblemConfigMissing ErrorCode = 13007
	ArtifactFetchFailed  ErrorCode = 13008
	RequeueExhausted     ErrorCode = 13009

	// ========== Judge & Sandbox (13100-13199) ==========

	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	SandboxCreateFailed ErrorCode = 13110
	SandboxNotRunning   ErrorCode = 13111
	RunnerCommandFailed ErrorCode = 13112
	RunnerPayloadBroken ErrorCode = 13113
	ImagePullFailed     ErrorCode = 13114
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError: "Cache operation failed",

	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	WorkerRejected:       "Job rejected by worker",
	TransientFailure:     "Transient failure, job will be retried",
	LoginFailed:          "Failed to login to coordinator",
	ClaimFailed:          "Failed to claim record",
	ClaimRejected:        "Record claim rejected by coordinator",
	SubmitFailed:         "Failed to submit judge result",
	LanguageNotSupported: "Programming language not supported",
	ProblemConfigMissing: "Problem configuration is missing",
	ArtifactFetchFailed:  "Failed to fetch job artifacts",
	RequeueExhausted:     "Job requeue attempts exhausted",

	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judge system error",
	SandboxCreateFailed: "Failed to create sandbox",
	SandboxNotRunning:   "Sandbox is not running",
	RunnerCommandFailed: "Sandbox command did not finish normally",
	RunnerPayloadBroken: "Sandbox command returned a malformed payload",
	ImagePullFailed:     "Failed to pull toolchain image",
}

// Message returns the default message of the code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == NotFound:
		return 404
	case c == ServiceUnavailable, c == JudgeQueueFull:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400, c == InvalidParams:
		return 400
	default:
		return 500
	}
}
