package remote

import (
	"context"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/partbatch/partbatch/step"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Worker executes the partitions dispatched by a Manager and reports their
// outcome through the reply queue.
//
// Dispatch messages may be delivered more than once. The worker records its
// own step execution for each partition and, when a partition that already
// finished is delivered again, re-sends the recorded outcome instead of
// executing the partition a second time.
type Worker struct {
	cfg      WorkerConfig
	metrics  *workerMetrics
	executor *step.Executor
}

// NewWorker creates a new Worker instance with the specified configuration.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("worker config validation failed: %w", err)
	}

	w := &Worker{
		cfg:     cfg,
		metrics: newWorkerMetrics(cfg.Registerer),
	}

	var err error
	w.executor, err = step.NewExecutor(step.ExecutorConfig{
		Checkpoint: w.checkpoint,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Run processes dispatched partitions until ctx expires or the request
// queue becomes unavailable. Up to Concurrency partitions are executed in
// parallel.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.WithFields(logrus.Fields{
		"queue":       w.cfg.Queues.Requests,
		"concurrency": w.cfg.Concurrency,
	}).Info("waiting for partitions")
	return consume(ctx, w.cfg.Channel, w.cfg.Queues.Requests, w.cfg.Concurrency, w.handleDelivery)
}

// HandleDispatch executes the partition described by d and sends exactly
// one reply for it. Step failures, including panics, are reported as FAILED
// replies. A non-nil error indicates an infrastructure failure; the
// dispatch should then be redelivered.
func (w *Worker) HandleDispatch(ctx context.Context, d *dispatch.Dispatch) error {
	logger := w.cfg.Logger.WithFields(logrus.Fields{
		"correlation_id":         d.CorrelationID().String(),
		"step":                   d.StepName,
		"partition":              d.PartitionID,
		"partition_execution_id": d.PartitionExecutionID,
	})

	done, restart, err := w.priorAttempt(ctx, d)
	if err != nil {
		return err
	} else if done != nil {
		logger.WithField("status", done.Status).Info("partition already executed; re-sending reply")
		w.metrics.resent.Inc()
		return w.sendReply(ctx, d, done)
	}

	def, buildErr := w.buildStep(d)
	exec := &batch.StepExecution{
		JobExecutionID: d.JobExecutionID,
		ParentID:       d.PartitionExecutionID,
		Name:           d.StepName,
		Kind:           batch.KindWorker,
		PartitionID:    d.PartitionID,
		Context:        d.Context.Clone(),
		Status:         batch.StatusStarted,
		StartTime:      w.cfg.Clock.Now(),
	}

	// Only chunk steps can skip work that an earlier attempt committed.
	if restart != nil && buildErr == nil && def.Chunk != nil {
		exec.AddCounters(restart)
		if exec.ReadCount > 0 {
			logger.WithFields(logrus.Fields{
				"restarted_from": restart.ID,
				"read":           exec.ReadCount,
			}).Info("restarting partition after previously committed items")
		}
	}
	if err = w.cfg.Repository.CreateStepExecution(ctx, exec); err != nil {
		return xerrors.Errorf("create worker execution: %w", err)
	}

	w.metrics.running.Inc()
	if err = buildErr; err != nil {
		exec.Finish(batch.StatusFailed, err, w.cfg.Clock.Now())
	} else {
		err = w.executor.Execute(ctx, exec, def)
	}
	w.metrics.running.Dec()
	w.metrics.partitions.WithLabelValues(d.StepName, exec.Status.String()).Inc()

	// The step outcome must be recorded even if ctx expired while the
	// step was running.
	if uErr := w.cfg.Repository.UpdateStepExecution(context.Background(), exec); uErr != nil {
		return xerrors.Errorf("update worker execution: %w", uErr)
	}

	if exec.Status == batch.StatusStopped {
		logger.Warn("partition interrupted; requesting redelivery")
		return xerrors.Errorf("partition interrupted: %w", err)
	}

	if err != nil {
		logger.WithField("err", err).Error("partition failed")
	} else {
		logger.WithFields(logrus.Fields{
			"read":    exec.ReadCount,
			"written": exec.WriteCount,
			"skipped": exec.SkipCount,
		}).Info("partition completed")
	}
	return w.sendReply(ctx, d, exec)
}

// priorAttempt inspects earlier attempts at the dispatched partition. done
// is set when an attempt already reached an outcome that can be reported.
// Otherwise restart, if set, is the execution whose counters a new attempt
// continues from.
func (w *Worker) priorAttempt(ctx context.Context, d *dispatch.Dispatch) (done, restart *batch.StepExecution, err error) {
	prev, err := w.cfg.Repository.FindChildStepExecution(ctx, d.PartitionExecutionID, batch.KindWorker)
	switch {
	case err == nil && prev.Status == batch.StatusStopped:
		return nil, prev, nil
	case err == nil && prev.Status.IsTerminal():
		return prev, nil, nil
	case err == nil:
		// A previous attempt was interrupted before it could record its
		// outcome. Its last checkpoint covers the chunks it committed.
		prev.Finish(batch.StatusFailed, xerrors.Errorf("abandoned after partition was redelivered"), w.cfg.Clock.Now())
		if err = w.cfg.Repository.UpdateStepExecution(ctx, prev); err != nil && !xerrors.Is(err, batch.ErrExecutionTerminal) {
			return nil, nil, xerrors.Errorf("update abandoned worker execution: %w", err)
		}
		return nil, prev, nil
	case !xerrors.Is(err, batch.ErrNotFound):
		return nil, nil, xerrors.Errorf("lookup worker execution: %w", err)
	}

	// First attempt for this partition record. A partition that the
	// manager re-created while resuming a job carries the counters of the
	// partition execution it replaces.
	part, err := w.cfg.Repository.FindStepExecution(ctx, d.PartitionExecutionID)
	switch {
	case xerrors.Is(err, batch.ErrNotFound):
		return nil, nil, nil
	case err != nil:
		return nil, nil, xerrors.Errorf("lookup partition execution: %w", err)
	}
	return nil, part, nil
}

func (w *Worker) handleDelivery(ctx context.Context, delivery dispatch.Delivery) {
	d, err := dispatch.DecodeDispatch(delivery.Body())
	if err != nil {
		w.cfg.Logger.WithField("err", err).Warn("dropping malformed dispatch message")
		w.metrics.poisoned.Inc()
		settle(w.cfg.Logger, delivery.Ack)
		return
	}

	if err = w.HandleDispatch(ctx, d); err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{
			"partition_execution_id": d.PartitionExecutionID,
			"err":                    err,
		}).Error("unable to process partition; requesting redelivery")
		settle(w.cfg.Logger, delivery.Nack)
		return
	}
	settle(w.cfg.Logger, delivery.Ack)
}

// buildStep looks up the factory for the dispatched step and invokes it
// with a copy of the partition context.
func (w *Worker) buildStep(d *dispatch.Dispatch) (def step.Definition, err error) {
	factory, exists := w.cfg.Steps[d.StepName]
	if !exists {
		return def, xerrors.Errorf("no step registered with name %q", d.StepName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("step factory panicked: %v", r)
		}
	}()
	if def, err = factory(d.Context.Clone()); err != nil {
		return def, xerrors.Errorf("build step %q: %w", d.StepName, err)
	}
	return def, nil
}

func (w *Worker) sendReply(ctx context.Context, d *dispatch.Dispatch, exec *batch.StepExecution) error {
	payload, err := dispatch.EncodeReply(dispatch.NewReply(d, exec))
	if err != nil {
		return xerrors.Errorf("encode reply: %w", err)
	}
	if err = w.cfg.Channel.Send(ctx, w.cfg.Queues.Replies, payload); err != nil {
		return xerrors.Errorf("send reply: %w", err)
	}
	return nil
}

func (w *Worker) checkpoint(ctx context.Context, exec *batch.StepExecution) error {
	return w.cfg.Repository.UpdateStepExecution(ctx, exec)
}
