package batch

import "time"

// JobInstance identifies a job by name and parameter set.
type JobInstance struct {
	ID             int64
	Name           string
	ParametersHash string
}

// JobExecution records a single attempt at running a job instance.
type JobExecution struct {
	ID              int64
	InstanceID      int64
	Name            string
	Parameters      Parameters
	Status          Status
	StartTime       time.Time
	EndTime         time.Time
	ExitDescription string
}

// StepExecution records a single attempt at running a step. Partitioned
// steps produce a tree: a manager execution owns one partition execution per
// dispatched partition and each worker records its own execution as a child
// of the partition execution it was asked to run.
type StepExecution struct {
	ID             int64
	JobExecutionID int64

	// ParentID is the owning step execution ID or 0 for top-level steps.
	ParentID int64

	Name        string
	Kind        StepKind
	PartitionID string
	Context     PartitionContext

	Status        Status
	ReadCount     int64
	WriteCount    int64
	SkipCount     int64
	CommitCount   int64
	RollbackCount int64

	ExitDescription string
	StartTime       time.Time
	EndTime         time.Time
	LastUpdated     time.Time
}

// Clone returns a deep copy of the execution.
func (e *StepExecution) Clone() *StepExecution {
	out := *e
	out.Context = e.Context.Clone()
	return &out
}

// Finish moves the execution to a terminal status and records the failure
// cause, if any.
func (e *StepExecution) Finish(status Status, cause error, now time.Time) {
	e.Status = status
	e.EndTime = now
	if cause != nil {
		e.ExitDescription = cause.Error()
	}
}

// AddCounters accumulates the counters of other into e.
func (e *StepExecution) AddCounters(other *StepExecution) {
	e.ReadCount += other.ReadCount
	e.WriteCount += other.WriteCount
	e.SkipCount += other.SkipCount
	e.CommitCount += other.CommitCount
	e.RollbackCount += other.RollbackCount
}
