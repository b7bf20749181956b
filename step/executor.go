package step

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/partbatch/partbatch/batch"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// CheckpointFunc is invoked after every committed chunk or tasklet
// invocation so that callers can persist the step execution progress.
type CheckpointFunc func(context.Context, *batch.StepExecution) error

// ExecutorConfig encapsulates the settings for configuring a step Executor.
type ExecutorConfig struct {
	// An optional callback for persisting progress after each commit.
	Checkpoint CheckpointFunc

	// A clock instance for stamping end times. If not specified, the
	// wall clock will be used instead.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *ExecutorConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return nil
}

// Executor runs step definitions against a step execution.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor returns a new step executor instance.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("step executor config validation failed: %w", err)
	}
	return &Executor{cfg: cfg}, nil
}

// Execute runs def and updates the counters of exec as chunks commit. On
// return exec holds a terminal status: COMPLETED on success, STOPPED if ctx
// was cancelled between commits or FAILED otherwise. The returned error is
// the cause of a FAILED or STOPPED outcome.
//
// An exec that already carries counters resumes an interrupted attempt: the
// chunk reader is advanced past the ReadCount items that the attempt
// committed before the first chunk is read. Tasklets are invoked from the
// start.
//
// Panics raised by step logic are recovered and reported as failures. The
// transaction that was open when the panic occurred is rolled back.
func (e *Executor) Execute(ctx context.Context, exec *batch.StepExecution, def Definition) (err error) {
	if exec.Status != batch.StatusStarted {
		exec.Status = batch.StatusStarted
	}

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("step panicked: %v", r)
		}

		status := batch.StatusCompleted
		switch {
		case err == nil:
		case xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded):
			status = batch.StatusStopped
		default:
			status = batch.StatusFailed
		}
		exec.Finish(status, err, e.cfg.Clock.Now())
	}()

	// The reader may own resources such as open files even if the rest of
	// the definition turns out to be invalid.
	if def.Chunk != nil && def.Chunk.Reader != nil {
		if closer, ok := def.Chunk.Reader.(io.Closer); ok {
			defer func() {
				if cErr := closer.Close(); cErr != nil && err == nil {
					err = chunkError(batch.ErrChunkRead, xerrors.Errorf("close reader: %w", cErr))
				}
			}()
		}
	}

	if err = def.Validate(); err != nil {
		return xerrors.Errorf("invalid step definition: %w", err)
	}

	if def.Tasklet != nil {
		return e.runTasklet(ctx, exec, def)
	}
	return e.runChunks(ctx, exec, def)
}

func (e *Executor) runTasklet(ctx context.Context, exec *batch.StepExecution, def Definition) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		txCtx, tx, err := def.TxManager.Begin(ctx)
		if err != nil {
			return err
		}

		var (
			contrib Contribution
			repeat  RepeatStatus
		)
		err = inTx(exec, tx, func() error {
			var tErr error
			if repeat, tErr = def.Tasklet.Execute(txCtx, &contrib); tErr != nil {
				return xerrors.Errorf("tasklet: %w", tErr)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			exec.RollbackCount++
			return xerrors.Errorf("tasklet: commit: %w", err)
		}

		exec.CommitCount++
		exec.ReadCount += contrib.ReadCount
		exec.WriteCount += contrib.WriteCount
		exec.SkipCount += contrib.SkipCount
		if err = e.checkpoint(ctx, exec); err != nil {
			return err
		}

		if repeat != Continue {
			return nil
		}
	}
}

func (e *Executor) runChunks(ctx context.Context, exec *batch.StepExecution, def Definition) error {
	chunk := def.Chunk
	if exec.ReadCount > 0 {
		if err := skipCommitted(ctx, chunk.Reader, exec.ReadCount); err != nil {
			return chunkError(batch.ErrChunkRead, xerrors.Errorf("skip committed items: %w", err))
		}
		e.cfg.Logger.WithFields(logrus.Fields{
			"step":      exec.Name,
			"partition": exec.PartitionID,
			"skipped":   exec.ReadCount,
		}).Info("resuming after previously committed items")
	}

	for chunkIndex := 0; ; chunkIndex++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		txCtx, tx, err := def.TxManager.Begin(ctx)
		if err != nil {
			return err
		}

		var (
			items, out []interface{}
			skipped    int64
			exhausted  bool
		)
		err = inTx(exec, tx, func() error {
			var cErr error
			if items, exhausted, cErr = readChunk(txCtx, chunk.Reader, chunk.Size); cErr != nil {
				return chunkError(batch.ErrChunkRead, cErr)
			} else if len(items) == 0 {
				return nil
			}

			if out, skipped, cErr = processChunk(txCtx, chunk.Processor, items); cErr != nil {
				return chunkError(batch.ErrChunkProcess, cErr)
			}

			if len(out) != 0 {
				if cErr = chunk.Writer.Write(txCtx, out); cErr != nil {
					return chunkError(batch.ErrChunkWrite, cErr)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Nothing left to process; release the transaction without
		// counting an empty commit.
		if len(items) == 0 {
			_ = tx.Rollback()
			return ctx.Err()
		}

		if err = tx.Commit(); err != nil {
			exec.RollbackCount++
			return chunkError(batch.ErrChunkWrite, xerrors.Errorf("commit: %w", err))
		}

		exec.CommitCount++
		exec.ReadCount += int64(len(items))
		exec.WriteCount += int64(len(out))
		exec.SkipCount += skipped
		e.cfg.Logger.WithFields(logrus.Fields{
			"step":      exec.Name,
			"partition": exec.PartitionID,
			"chunk":     chunkIndex,
			"items":     len(items),
		}).Debug("committed chunk")

		if err = e.checkpoint(ctx, exec); err != nil {
			return err
		}

		if exhausted {
			return ctx.Err()
		}
	}
}

func (e *Executor) checkpoint(ctx context.Context, exec *batch.StepExecution) error {
	if e.cfg.Checkpoint == nil {
		return nil
	}
	if err := e.cfg.Checkpoint(ctx, exec); err != nil {
		return xerrors.Errorf("checkpoint: %w", err)
	}
	return nil
}

// inTx runs fn inside the open transaction tx. If fn fails or panics, tx is
// rolled back and the rollback is counted against exec.
func inTx(exec *batch.StepExecution, tx Tx, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("step panicked: %v", r)
		}
		if err != nil {
			exec.RollbackCount++
			err = rollback(tx, err)
		}
	}()
	return fn()
}

// skipCommitted advances r past n items. Running out of items early is not
// an error.
func skipCommitted(ctx context.Context, r ItemReader, n int64) error {
	for i := int64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.Next(ctx) {
			return r.Error()
		}
	}
	return nil
}

// readChunk reads up to size items. The returned flag is true once the
// reader reports that no more items are available.
func readChunk(ctx context.Context, r ItemReader, size int) ([]interface{}, bool, error) {
	items := make([]interface{}, 0, size)
	for len(items) < size {
		if !r.Next(ctx) {
			if err := r.Error(); err != nil {
				return nil, false, err
			}
			return items, true, nil
		}
		items = append(items, r.Item())
	}
	return items, false, nil
}

func processChunk(ctx context.Context, p ItemProcessor, items []interface{}) ([]interface{}, int64, error) {
	if p == nil {
		return items, 0, nil
	}

	var skipped int64
	out := make([]interface{}, 0, len(items))
	for i, item := range items {
		res, err := p.Process(ctx, item)
		if err != nil {
			return nil, 0, fmt.Errorf("item %d: %w", i, err)
		}
		if res == nil {
			skipped++
			continue
		}
		out = append(out, res)
	}
	return out, skipped, nil
}

func chunkError(kind, err error) error {
	return &batch.ChunkError{Kind: kind, Err: err}
}

func rollback(tx Tx, err error) error {
	if rErr := tx.Rollback(); rErr != nil {
		err = multierror.Append(err, xerrors.Errorf("rollback: %w", rErr))
	}
	return err
}
