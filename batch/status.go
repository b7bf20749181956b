package batch

// Status describes the lifecycle state of a job or step execution.
type Status string

// The supported execution statuses.
const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// IsTerminal returns true if no further transitions are allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// IsUnsuccessful returns true for terminal statuses other than COMPLETED.
func (s Status) IsUnsuccessful() bool {
	return s.IsTerminal() && s != StatusCompleted
}

func (s Status) String() string { return string(s) }

// StepKind describes the role of a step execution.
type StepKind string

// The supported step kinds.
const (
	// KindLocal is a step executed in-process by the job launcher.
	KindLocal StepKind = "LOCAL"

	// KindManager is the manager-side execution of a partitioned step.
	KindManager StepKind = "PARTITIONED_MANAGER"

	// KindPartition is the manager-side record of one dispatched partition.
	KindPartition StepKind = "PARTITION"

	// KindWorker is the worker-side execution of one partition.
	KindWorker StepKind = "PARTITIONED_WORKER"
)
