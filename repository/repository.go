package repository

import (
	"context"

	"github.com/partbatch/partbatch/batch"
)

// Repository is implemented by types that durably store job and step
// execution state. All coordinators serialize their state transitions
// through a Repository instead of sharing in-memory state.
type Repository interface {
	// CreateJobExecution creates a new execution for the job instance
	// identified by name and params. It returns batch.ErrDuplicateJobInstance
	// if the instance has already completed and batch.ErrJobAlreadyRunning
	// if the instance has an execution that has not reached a terminal
	// status yet.
	CreateJobExecution(ctx context.Context, name string, params batch.Parameters) (*batch.JobExecution, error)

	// UpdateJobExecution persists the status and timestamps of exec.
	UpdateJobExecution(ctx context.Context, exec *batch.JobExecution) error

	// LastJobExecution returns the most recent execution of the job
	// instance identified by name and params.
	LastJobExecution(ctx context.Context, name string, params batch.Parameters) (*batch.JobExecution, error)

	// CreateStepExecution persists a new step execution and assigns its ID.
	CreateStepExecution(ctx context.Context, exec *batch.StepExecution) error

	// UpdateStepExecution atomically persists the status and counters of
	// exec. Terminal executions are immutable: if the stored execution has
	// already reached a terminal status the update is rejected with
	// batch.ErrExecutionTerminal. This conditional update is the single
	// authoritative transition that callers rely on to detect duplicate
	// replies and to run aggregation exactly once.
	UpdateStepExecution(ctx context.Context, exec *batch.StepExecution) error

	// FindStepExecution looks up a step execution by its ID.
	FindStepExecution(ctx context.Context, id int64) (*batch.StepExecution, error)

	// FindChildStepExecution returns the most recent child of the specified
	// parent execution with the specified kind.
	FindChildStepExecution(ctx context.Context, parentID int64, kind batch.StepKind) (*batch.StepExecution, error)

	// StepExecutions returns the top-level step executions of a job
	// execution in creation order.
	StepExecutions(ctx context.Context, jobExecutionID int64) ([]*batch.StepExecution, error)

	// PartitionExecutions returns the partition executions owned by a
	// manager step execution in creation order.
	PartitionExecutions(ctx context.Context, parentID int64) ([]*batch.StepExecution, error)

	// LastStepExecution returns the most recent top-level execution of the
	// named step across all executions of a job instance.
	LastStepExecution(ctx context.Context, instanceID int64, stepName string) (*batch.StepExecution, error)

	// Close releases any resources held by the repository.
	Close() error
}
