package step

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// RepeatStatus is returned by tasklets to indicate whether they need to be
// invoked again.
type RepeatStatus int

const (
	// Finished indicates that the tasklet has completed its work.
	Finished RepeatStatus = iota

	// Continue asks the executor to commit the current transaction and
	// invoke the tasklet again.
	Continue
)

// Contribution collects the counters reported by a single tasklet
// invocation. They are added to the step execution once the invocation's
// transaction commits.
type Contribution struct {
	ReadCount  int64
	WriteCount int64
	SkipCount  int64
}

// Tasklet is implemented by types that execute a step as a single unit of
// work. Each call to Execute runs in its own transaction.
type Tasklet interface {
	Execute(context.Context, *Contribution) (RepeatStatus, error)
}

// TaskletFunc is an adapter to allow the use of plain functions as Tasklet
// instances.
type TaskletFunc func(context.Context, *Contribution) (RepeatStatus, error)

// Execute calls f(ctx, contrib).
func (f TaskletFunc) Execute(ctx context.Context, contrib *Contribution) (RepeatStatus, error) {
	return f(ctx, contrib)
}

// ItemReader is implemented by types that produce the items processed by a
// chunk-oriented step.
type ItemReader interface {
	// Next advances the reader to the next item. It returns false when the
	// source is exhausted or an error occurs.
	Next(context.Context) bool

	// Item returns the current item.
	Item() interface{}

	// Error returns the last error observed by the reader. Reaching the
	// end of the source is not an error.
	Error() error
}

// ItemProcessor is implemented by types that transform items between the
// read and write phases of a chunk. Returning a nil item filters it out of
// the chunk.
type ItemProcessor interface {
	Process(ctx context.Context, item interface{}) (interface{}, error)
}

// ItemProcessorFunc is an adapter to allow the use of plain functions as
// ItemProcessor instances.
type ItemProcessorFunc func(context.Context, interface{}) (interface{}, error)

// Process calls f(ctx, item).
func (f ItemProcessorFunc) Process(ctx context.Context, item interface{}) (interface{}, error) {
	return f(ctx, item)
}

// ItemWriter is implemented by types that persist a chunk of items. Writers
// are expected to fail on persistence errors; the executor then rolls back
// the chunk transaction.
type ItemWriter interface {
	Write(ctx context.Context, items []interface{}) error
}

// ItemWriterFunc is an adapter to allow the use of plain functions as
// ItemWriter instances.
type ItemWriterFunc func(context.Context, []interface{}) error

// Write calls f(ctx, items).
func (f ItemWriterFunc) Write(ctx context.Context, items []interface{}) error {
	return f(ctx, items)
}

// Chunk describes a read/process/write pipeline that commits every Size
// items.
type Chunk struct {
	Reader    ItemReader
	Processor ItemProcessor
	Writer    ItemWriter
	Size      int
}

// Definition describes the logic of a step. Exactly one of Tasklet and Chunk
// must be set.
type Definition struct {
	Tasklet Tasklet
	Chunk   *Chunk

	// The transaction manager that scopes each tasklet invocation or
	// chunk. If not specified, a NopTxManager will be used instead.
	TxManager TxManager
}

// Validate the step definition.
func (d *Definition) Validate() error {
	var err error
	switch {
	case d.Tasklet == nil && d.Chunk == nil:
		err = multierror.Append(err, xerrors.Errorf("either a tasklet or a chunk must be specified"))
	case d.Tasklet != nil && d.Chunk != nil:
		err = multierror.Append(err, xerrors.Errorf("tasklet and chunk are mutually exclusive"))
	case d.Chunk != nil:
		if d.Chunk.Reader == nil {
			err = multierror.Append(err, xerrors.Errorf("chunk reader not specified"))
		}
		if d.Chunk.Writer == nil {
			err = multierror.Append(err, xerrors.Errorf("chunk writer not specified"))
		}
		if d.Chunk.Size <= 0 {
			err = multierror.Append(err, xerrors.Errorf("chunk size must be a positive integer"))
		}
	}
	if d.TxManager == nil {
		d.TxManager = NopTxManager{}
	}
	return err
}
