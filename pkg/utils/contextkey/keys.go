package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID  key = "trace_id"
	TaskID   key = "task_id"
	DomainID key = "domain_id"
	RecordID key = "record_id"
)

// All lists the keys the logger extracts, in output order.
var All = []key{TraceID, TaskID, DomainID, RecordID}

// Name returns the log field name of the key.
func (k key) Name() string {
	return string(k)
}
