package launcher

import (
	"context"
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/repository"
	"github.com/partbatch/partbatch/step"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config encapsulates the settings for configuring a job Launcher.
type Config struct {
	// The repository where job and step executions are persisted.
	Repository repository.Repository

	// A clock instance for generating timestamps. If not specified, the
	// wall clock will be used instead.
	Clock clock.Clock

	// A registerer for the launcher metrics. If not specified, metrics are
	// collected into a private registry.
	Registerer prometheus.Registerer

	// A logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *Config) Validate() error {
	var err error
	if cfg.Repository == nil {
		err = multierror.Append(err, xerrors.Errorf("job repository not specified"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Launcher runs jobs by executing their steps in declaration order.
type Launcher struct {
	cfg      Config
	executor *step.Executor

	jobs    *prometheus.CounterVec
	steps   *prometheus.CounterVec
	skipped prometheus.Counter
}

// NewLauncher creates a new Launcher instance with the specified
// configuration.
func NewLauncher(cfg Config) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("launcher config validation failed: %w", err)
	}

	factory := promauto.With(cfg.Registerer)
	l := &Launcher{
		cfg: cfg,
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_jobs_total",
			Help: "The total number of finished job executions by status",
		}, []string{"job", "status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_steps_total",
			Help: "The total number of finished step executions by status",
		}, []string{"step", "status"}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_steps_skipped_total",
			Help: "The total number of steps skipped because a previous execution completed them",
		}),
	}

	var err error
	if l.executor, err = step.NewExecutor(step.ExecutorConfig{
		Checkpoint: cfg.Repository.UpdateStepExecution,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	}); err != nil {
		return nil, err
	}
	return l, nil
}

// Run creates a new execution of the job instance identified by the job
// name and params and runs its steps in order. Steps that completed during
// a previous execution of the same instance are skipped. Execution halts at
// the first failed step unless the step is marked with ContinueOnFailure.
//
// The outcome of the job is reported through the status of the returned
// execution. A non-nil error indicates that the job could not be launched,
// for instance because the instance has already completed
// (batch.ErrDuplicateJobInstance).
func (l *Launcher) Run(ctx context.Context, job Job, params batch.Parameters) (*batch.JobExecution, error) {
	job.Steps = append([]Step(nil), job.Steps...)
	if err := job.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid job definition: %w", err)
	}

	jobExec, err := l.cfg.Repository.CreateJobExecution(ctx, job.Name, params)
	if err != nil {
		return nil, xerrors.Errorf("launch job %q: %w", job.Name, err)
	}

	logger := l.cfg.Logger.WithFields(logrus.Fields{
		"job":              job.Name,
		"job_execution_id": jobExec.ID,
	})

	jobExec.Status = batch.StatusStarted
	jobExec.StartTime = l.cfg.Clock.Now()
	if err = l.cfg.Repository.UpdateJobExecution(ctx, jobExec); err != nil {
		return nil, xerrors.Errorf("update job execution: %w", err)
	}
	logger.Info("starting job")

	status, cause := l.runSteps(ctx, jobExec, job.Steps, logger)

	jobExec.Status = status
	jobExec.EndTime = l.cfg.Clock.Now()
	if cause != nil {
		jobExec.ExitDescription = cause.Error()
	}
	if err = l.cfg.Repository.UpdateJobExecution(context.Background(), jobExec); err != nil {
		return nil, xerrors.Errorf("update job execution: %w", err)
	}
	l.jobs.WithLabelValues(job.Name, status.String()).Inc()

	if cause != nil {
		logger.WithFields(logrus.Fields{
			"status": status,
			"err":    cause,
		}).Error("job did not complete")
	} else {
		logger.Info("job completed successfully")
	}
	return jobExec, nil
}

func (l *Launcher) runSteps(ctx context.Context, jobExec *batch.JobExecution, steps []Step, logger *logrus.Entry) (batch.Status, error) {
	var (
		status = batch.StatusCompleted
		cause  error
	)

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return batch.StatusStopped, err
		}
		stepLogger := logger.WithField("step", st.Name)

		prev, err := l.cfg.Repository.LastStepExecution(ctx, jobExec.InstanceID, st.Name)
		if err == nil && prev.Status == batch.StatusCompleted {
			stepLogger.WithField("step_execution_id", prev.ID).Info("skipping step completed by a previous execution")
			l.skipped.Inc()
			continue
		} else if xerrors.Is(err, batch.ErrNotFound) {
			prev = nil
		} else if err != nil {
			return batch.StatusFailed, xerrors.Errorf("lookup previous execution of step %q: %w", st.Name, err)
		}

		stepLogger.Info("starting step")
		exec, err := l.runStep(ctx, jobExec, st, prev)
		if err != nil {
			if ctx.Err() != nil {
				return batch.StatusStopped, err
			}
			return batch.StatusFailed, xerrors.Errorf("step %q: %w", st.Name, err)
		}
		l.steps.WithLabelValues(st.Name, exec.Status.String()).Inc()

		switch exec.Status {
		case batch.StatusCompleted:
			stepLogger.WithFields(logrus.Fields{
				"read":    exec.ReadCount,
				"written": exec.WriteCount,
				"skipped": exec.SkipCount,
			}).Info("step completed")
		case batch.StatusStopped:
			return batch.StatusStopped, xerrors.Errorf("step %q stopped: %s", st.Name, exec.ExitDescription)
		default:
			stepLogger.WithField("err", exec.ExitDescription).Error("step failed")
			status = batch.StatusFailed
			if cause == nil {
				cause = xerrors.Errorf("step %q failed: %s", st.Name, exec.ExitDescription)
			}
			if !st.ContinueOnFailure {
				return status, cause
			}
		}
	}
	return status, cause
}

// runStep executes st. A local chunk step whose previous execution did not
// complete continues after the items that execution committed.
func (l *Launcher) runStep(ctx context.Context, jobExec *batch.JobExecution, st Step, prev *batch.StepExecution) (*batch.StepExecution, error) {
	if st.Kind == batch.KindManager {
		return st.Partitioned.Execute(ctx, jobExec, st.Name)
	}

	exec := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		Name:           st.Name,
		Kind:           batch.KindLocal,
		Context:        batch.PartitionContext{},
		Status:         batch.StatusStarted,
		StartTime:      l.cfg.Clock.Now(),
	}
	if prev != nil && prev.Kind == batch.KindLocal && st.Local.Chunk != nil {
		exec.AddCounters(prev)
	}
	if err := l.cfg.Repository.CreateStepExecution(ctx, exec); err != nil {
		return nil, xerrors.Errorf("create step execution: %w", err)
	}

	// Failures are recorded in the execution status.
	_ = l.executor.Execute(ctx, exec, st.Local)

	if err := l.cfg.Repository.UpdateStepExecution(context.Background(), exec); err != nil {
		return nil, xerrors.Errorf("update step execution: %w", err)
	}
	return exec, nil
}
