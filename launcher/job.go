package launcher

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/step"
	"golang.org/x/xerrors"
)

// PartitionHandler is implemented by types that can coordinate the
// execution of a partitioned step. remote.Manager implements this
// interface.
type PartitionHandler interface {
	Execute(ctx context.Context, jobExec *batch.JobExecution, stepName string) (*batch.StepExecution, error)
}

// Step describes a single step of a job.
type Step struct {
	Name string

	// Kind is either batch.KindLocal or batch.KindManager. If not
	// specified, it is inferred from whether Partitioned is set.
	Kind batch.StepKind

	// The definition of a step executed in-process.
	Local step.Definition

	// The coordinator for a partitioned step.
	Partitioned PartitionHandler

	// If set, a failure of this step does not prevent the execution of the
	// steps that follow it. The job still ends up FAILED.
	ContinueOnFailure bool
}

// Job is an ordered list of steps.
type Job struct {
	Name  string
	Steps []Step
}

// Validate the job definition.
func (j *Job) Validate() error {
	var err error
	if j.Name == "" {
		err = multierror.Append(err, xerrors.Errorf("job name not specified"))
	}
	if len(j.Steps) == 0 {
		err = multierror.Append(err, xerrors.Errorf("job %q does not define any steps", j.Name))
	}

	seen := make(map[string]bool)
	for i := range j.Steps {
		st := &j.Steps[i]
		if st.Name == "" {
			err = multierror.Append(err, xerrors.Errorf("step %d: name not specified", i))
		} else if seen[st.Name] {
			err = multierror.Append(err, xerrors.Errorf("step %q: duplicate step name", st.Name))
		}
		seen[st.Name] = true

		if st.Kind == "" {
			st.Kind = batch.KindLocal
			if st.Partitioned != nil {
				st.Kind = batch.KindManager
			}
		}
		switch st.Kind {
		case batch.KindLocal:
			if st.Local.Tasklet == nil && st.Local.Chunk == nil {
				err = multierror.Append(err, xerrors.Errorf("step %q: local step requires a tasklet or a chunk", st.Name))
			}
		case batch.KindManager:
			if st.Partitioned == nil {
				err = multierror.Append(err, xerrors.Errorf("step %q: partitioned step requires a partition handler", st.Name))
			}
		default:
			err = multierror.Append(err, xerrors.Errorf("step %q: unsupported step kind %q", st.Name, st.Kind))
		}
	}
	return err
}
