package model

import "time"

// TaskState is a step of the job state machine.
type TaskState string

const (
	TaskNew              TaskState = "NEW"
	TaskAuthenticated    TaskState = "AUTHENTICATED"
	TaskClaimed          TaskState = "CLAIMED"
	TaskArtifactsFetched TaskState = "ARTIFACTS_FETCHED"
	TaskCompiled         TaskState = "COMPILED"
	TaskExecuted         TaskState = "EXECUTED"
	TaskSubmitted        TaskState = "SUBMITTED"
	TaskCleaned          TaskState = "CLEANED"

	TaskRejected    TaskState = "REJECTED"
	TaskSystemError TaskState = "SYSTEM_ERROR"
)

// Terminal reports whether no further transition follows.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCleaned, TaskRejected, TaskSystemError:
		return true
	}
	return false
}

// TaskSnapshot is the externally visible progress of a task.
type TaskSnapshot struct {
	TaskID    string    `json:"task_id"`
	DomainID  string    `json:"domain_id"`
	RecordID  string    `json:"record_id"`
	State     TaskState `json:"state"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	Status    Status    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
