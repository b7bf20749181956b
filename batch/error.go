package batch

import "golang.org/x/xerrors"

var (
	// ErrNotFound is returned when a job or step execution lookup fails.
	ErrNotFound = xerrors.New("not found")

	// ErrDuplicateJobInstance is returned when attempting to launch a job
	// whose instance (name and parameters) has already completed.
	ErrDuplicateJobInstance = xerrors.New("job instance already completed")

	// ErrJobAlreadyRunning is returned when attempting to launch a job
	// whose instance has an execution that is still in progress.
	ErrJobAlreadyRunning = xerrors.New("job instance has a running execution")

	// ErrExecutionTerminal is returned when attempting to update a step
	// execution that has already reached a terminal status.
	ErrExecutionTerminal = xerrors.New("step execution already terminal")

	// ErrInvalidGridSize is returned by partitioners for non-positive grid sizes.
	ErrInvalidGridSize = xerrors.New("grid size must be a positive integer")

	// ErrPartitionTimeout is recorded against partitions for which no
	// reply arrived before the configured deadline.
	ErrPartitionTimeout = xerrors.New("no reply received")

	// ErrDuplicateReply indicates a reply for a partition that has already
	// been marked as terminal.
	ErrDuplicateReply = xerrors.New("duplicate reply")

	// ErrChunkRead is wrapped by errors raised while reading chunk items.
	ErrChunkRead = xerrors.New("chunk read failure")

	// ErrChunkProcess is wrapped by errors raised while processing chunk items.
	ErrChunkProcess = xerrors.New("chunk process failure")

	// ErrChunkWrite is wrapped by errors raised while writing a chunk.
	ErrChunkWrite = xerrors.New("chunk write failure")
)

// ChunkError reports a failed chunk. It matches its Kind (ErrChunkRead,
// ErrChunkProcess or ErrChunkWrite) and unwraps to the underlying cause so
// that driver errors can still be inspected with xerrors.As.
type ChunkError struct {
	Kind error
	Err  error
}

func (e *ChunkError) Error() string { return e.Kind.Error() + ": " + e.Err.Error() }

// Unwrap returns the cause of the chunk failure.
func (e *ChunkError) Unwrap() error { return e.Err }

// Is reports whether target is the kind of the chunk failure.
func (e *ChunkError) Is(target error) bool { return target == e.Kind }
