package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Manager coordinates the execution of partitioned steps. It splits a step
// into partitions, dispatches each partition to the workers listening on
// the request queue and aggregates their replies into the outcome of the
// step.
//
// All state transitions are serialized through the job repository. Any
// manager instance that shares the same repository and reply queue can
// process the replies for a step, even if a different instance dispatched
// it.
type Manager struct {
	cfg     ManagerConfig
	metrics *managerMetrics

	mu       sync.Mutex
	inflight map[int64]*inflightStep
}

type inflightStep struct {
	phase  Phase
	doneCh chan struct{}
}

// NewManager creates a new Manager instance with the specified configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("manager config validation failed: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		metrics:  newManagerMetrics(cfg.Registerer),
		inflight: make(map[int64]*inflightStep),
	}, nil
}

// Run processes worker replies until ctx expires or the reply queue becomes
// unavailable. Replies are handled concurrently by up to ReplyWorkers
// goroutines.
func (m *Manager) Run(ctx context.Context) error {
	m.cfg.Logger.WithField("queue", m.cfg.Queues.Replies).Info("listening for worker replies")
	return consume(ctx, m.cfg.Channel, m.cfg.Queues.Replies, m.cfg.ReplyWorkers, m.handleDelivery)
}

// Phase returns the phase of a manager step execution that is coordinated
// by this manager instance.
func (m *Manager) Phase(stepExecutionID int64) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, exists := m.inflight[stepExecutionID]; exists {
		return st.phase, true
	}
	return 0, false
}

// Execute runs the named step as a partitioned step of jobExec and blocks
// until the manager step execution reaches a terminal status or ctx
// expires. Step failures are reported through the status of the returned
// execution; a non-nil error indicates that the step could not be
// coordinated.
//
// Partitions that completed during the previous execution of the step for
// the same job instance are carried over and not dispatched again. The
// other partitions of that execution pass their counters on so that
// workers can skip the chunks they already committed.
func (m *Manager) Execute(ctx context.Context, jobExec *batch.JobExecution, stepName string) (*batch.StepExecution, error) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{
		"job_execution_id": jobExec.ID,
		"step":             stepName,
	})

	prior, err := m.priorPartitions(ctx, jobExec, stepName)
	if err != nil {
		return nil, err
	}

	exec := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		Name:           stepName,
		Kind:           batch.KindManager,
		Context:        batch.PartitionContext{},
		Status:         batch.StatusStarted,
		StartTime:      m.cfg.Clock.Now(),
	}
	if err = m.cfg.Repository.CreateStepExecution(ctx, exec); err != nil {
		return nil, xerrors.Errorf("create manager step execution: %w", err)
	}
	doneCh := m.track(exec.ID)
	defer m.untrack(exec.ID)
	logger = logger.WithField("step_execution_id", exec.ID)

	contexts, err := m.cfg.Partitioner.Partition(m.cfg.GridSize)
	if err != nil {
		logger.WithField("err", err).Error("unable to partition step")
		return m.fail(ctx, exec, xerrors.Errorf("partition step: %w", err))
	}

	m.setPhase(exec.ID, PhaseDispatching)
	pending, err := m.createPartitions(ctx, exec, contexts, prior)
	if err != nil {
		return m.fail(ctx, exec, err)
	}
	logger.WithFields(logrus.Fields{
		"partitions":   len(contexts),
		"carried_over": len(contexts) - len(pending),
	}).Info("dispatching partitions")

	for _, part := range pending {
		if err = m.dispatch(ctx, exec, part); err != nil {
			logger.WithFields(logrus.Fields{
				"partition": part.PartitionID,
				"err":       err,
			}).Error("unable to dispatch partition")

			part.Finish(batch.StatusFailed, err, m.cfg.Clock.Now())
			if err = m.cfg.Repository.UpdateStepExecution(ctx, part); err != nil && !xerrors.Is(err, batch.ErrExecutionTerminal) {
				return nil, xerrors.Errorf("update partition execution: %w", err)
			}
		}
	}

	m.setPhase(exec.ID, PhaseAwaitingReplies)
	m.metrics.awaitingReplies.Inc()
	defer m.metrics.awaitingReplies.Dec()

	var timeoutCh <-chan time.Time
	if m.cfg.PartitionTimeout > 0 {
		timeoutCh = m.cfg.Clock.After(m.cfg.PartitionTimeout)
	}

	// All partitions may already be terminal if they were carried over or
	// could not be dispatched.
	if err = m.tryAggregate(ctx, exec.ID, logger); err != nil {
		return nil, err
	}
	return m.await(ctx, exec.ID, doneCh, timeoutCh, logger)
}

// HandleReply applies a worker reply to the partition execution it reports
// on. Replies for partitions that are already terminal are discarded. Once
// all partitions of a manager step execution are terminal, the outcome of
// the step is aggregated.
func (m *Manager) HandleReply(ctx context.Context, r *dispatch.Reply) error {
	logger := m.cfg.Logger.WithFields(logrus.Fields{
		"correlation_id": r.CorrelationID().String(),
		"partition":      r.PartitionID,
	})

	part, err := m.cfg.Repository.FindStepExecution(ctx, r.PartitionExecutionID)
	if xerrors.Is(err, batch.ErrNotFound) {
		logger.Warn("discarding reply for unknown partition execution")
		m.metrics.discarded.WithLabelValues("unknown").Inc()
		return nil
	} else if err != nil {
		return xerrors.Errorf("lookup partition execution: %w", err)
	}

	expID := dispatch.CorrelationID{JobExecutionID: part.JobExecutionID, StepExecutionID: part.ParentID}
	if part.Kind != batch.KindPartition || r.CorrelationID() != expID || part.PartitionID != r.PartitionID {
		logger.WithField("expected_correlation_id", expID.String()).Warn("discarding reply with mismatched correlation ID")
		m.metrics.discarded.WithLabelValues("mismatched").Inc()
		return nil
	}

	if part.Status.IsTerminal() {
		logger.WithField("err", batch.ErrDuplicateReply).Info("discarding reply")
		m.metrics.discarded.WithLabelValues("duplicate").Inc()
		return nil
	}

	r.ApplyTo(part)
	part.EndTime = m.cfg.Clock.Now()
	if err = m.cfg.Repository.UpdateStepExecution(ctx, part); xerrors.Is(err, batch.ErrExecutionTerminal) {
		logger.WithField("err", batch.ErrDuplicateReply).Info("discarding reply")
		m.metrics.discarded.WithLabelValues("duplicate").Inc()
		return nil
	} else if err != nil {
		return xerrors.Errorf("update partition execution: %w", err)
	}

	m.metrics.replies.WithLabelValues(r.Status.String()).Inc()
	logger.WithField("status", r.Status).Debug("accepted reply")
	return m.tryAggregate(ctx, r.StepExecutionID, logger)
}

func (m *Manager) handleDelivery(ctx context.Context, d dispatch.Delivery) {
	r, err := dispatch.DecodeReply(d.Body())
	if err != nil {
		m.cfg.Logger.WithField("err", err).Warn("dropping malformed reply")
		m.metrics.discarded.WithLabelValues("malformed").Inc()
		settle(m.cfg.Logger, d.Ack)
		return
	}

	if err = m.HandleReply(ctx, r); err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{
			"step_execution_id": r.StepExecutionID,
			"partition":         r.PartitionID,
			"err":               err,
		}).Error("unable to process reply; requesting redelivery")
		settle(m.cfg.Logger, d.Nack)
		return
	}
	settle(m.cfg.Logger, d.Ack)
}

// partitionHistory holds the outcome of the previous execution of a step.
type partitionHistory struct {
	// Partitions that completed, keyed by partition name.
	completed map[string]*batch.StepExecution

	// For the remaining partitions, the execution whose counters cover
	// the chunks committed so far along with the partition context they
	// were committed under.
	restarts map[string]*batch.StepExecution
	contexts map[string]batch.PartitionContext
}

// priorPartitions collects the partitions of the previous execution of the
// named step for the same job instance.
func (m *Manager) priorPartitions(ctx context.Context, jobExec *batch.JobExecution, stepName string) (*partitionHistory, error) {
	history := &partitionHistory{
		completed: make(map[string]*batch.StepExecution),
		restarts:  make(map[string]*batch.StepExecution),
		contexts:  make(map[string]batch.PartitionContext),
	}

	prev, err := m.cfg.Repository.LastStepExecution(ctx, jobExec.InstanceID, stepName)
	if xerrors.Is(err, batch.ErrNotFound) {
		return history, nil
	} else if err != nil {
		return nil, xerrors.Errorf("lookup previous step execution: %w", err)
	} else if prev.Kind != batch.KindManager {
		return history, nil
	}

	parts, err := m.cfg.Repository.PartitionExecutions(ctx, prev.ID)
	if err != nil {
		return nil, xerrors.Errorf("lookup previous partition executions: %w", err)
	}

	for _, part := range parts {
		if part.Status == batch.StatusCompleted {
			history.completed[part.PartitionID] = part
			continue
		}

		// The latest worker attempt is more recent than the partition
		// record if its reply never arrived.
		restart, err := m.cfg.Repository.FindChildStepExecution(ctx, part.ID, batch.KindWorker)
		if xerrors.Is(err, batch.ErrNotFound) {
			restart = part
		} else if err != nil {
			return nil, xerrors.Errorf("lookup worker execution for partition %q: %w", part.PartitionID, err)
		}
		history.restarts[part.PartitionID] = restart
		history.contexts[part.PartitionID] = part.Context
	}
	return history, nil
}

// createPartitions persists one partition execution per partition context.
// All records are created before any partition is dispatched so that reply
// handlers always observe the complete set of sibling partitions. It
// returns the partitions that need to be dispatched.
func (m *Manager) createPartitions(ctx context.Context, mgr *batch.StepExecution, contexts map[string]batch.PartitionContext, prior *partitionHistory) ([]*batch.StepExecution, error) {
	var (
		pending []*batch.StepExecution
		now     = m.cfg.Clock.Now()
	)
	for _, name := range sortedPartitionNames(contexts) {
		pCtx := contexts[name].Clone()
		if pCtx == nil {
			pCtx = make(batch.PartitionContext)
		}
		if pCtx.PartitionID() == "" {
			pCtx[batch.PartitionKey] = name
		}

		part := &batch.StepExecution{
			JobExecutionID: mgr.JobExecutionID,
			ParentID:       mgr.ID,
			Name:           mgr.Name,
			Kind:           batch.KindPartition,
			PartitionID:    name,
			Context:        pCtx,
			Status:         batch.StatusStarting,
			StartTime:      now,
		}
		if prev, completed := prior.completed[name]; completed {
			part.AddCounters(prev)
			part.Status = batch.StatusCompleted
			part.EndTime = now
			part.ExitDescription = fmt.Sprintf("completed by step execution %d", prev.ParentID)
		} else if restart, found := prior.restarts[name]; found && sameContext(prior.contexts[name], pCtx) {
			// Committed counts only make sense for an unchanged partition.
			part.AddCounters(restart)
		}

		if err := m.cfg.Repository.CreateStepExecution(ctx, part); err != nil {
			return nil, xerrors.Errorf("create partition execution: %w", err)
		}

		if part.Status.IsTerminal() {
			m.metrics.carriedOver.Inc()
			continue
		}
		pending = append(pending, part)
	}
	return pending, nil
}

func sameContext(a, b batch.PartitionContext) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (m *Manager) dispatch(ctx context.Context, mgr, part *batch.StepExecution) error {
	payload, err := dispatch.EncodeDispatch(&dispatch.Dispatch{
		JobExecutionID:       mgr.JobExecutionID,
		StepExecutionID:      mgr.ID,
		PartitionExecutionID: part.ID,
		StepName:             mgr.Name,
		PartitionID:          part.PartitionID,
		Context:              part.Context,
	})
	if err != nil {
		return xerrors.Errorf("encode dispatch: %w", err)
	}
	if err = m.cfg.Channel.Send(ctx, m.cfg.Queues.Requests, payload); err != nil {
		return err
	}
	m.metrics.dispatched.Inc()
	return nil
}

// await blocks until the manager step execution becomes terminal. The
// repository is polled periodically to detect executions that were
// aggregated by another manager instance.
func (m *Manager) await(ctx context.Context, id int64, doneCh <-chan struct{}, timeoutCh <-chan time.Time, logger *logrus.Entry) (*batch.StepExecution, error) {
	for {
		select {
		case <-doneCh:
			return m.cfg.Repository.FindStepExecution(ctx, id)
		case <-timeoutCh:
			timeoutCh = nil
			if err := m.expirePartitions(ctx, id, logger); err != nil {
				return nil, err
			}
		case <-m.cfg.Clock.After(m.cfg.PollInterval):
			exec, err := m.cfg.Repository.FindStepExecution(ctx, id)
			if err != nil {
				return nil, xerrors.Errorf("poll manager step execution: %w", err)
			} else if exec.Status.IsTerminal() {
				m.setPhase(id, phaseForStatus(exec.Status))
				return exec, nil
			}
		case <-ctx.Done():
			return m.stop(id, ctx.Err(), logger)
		}
	}
}

// expirePartitions fails every partition that is still waiting for a reply
// and aggregates the step outcome.
func (m *Manager) expirePartitions(ctx context.Context, id int64, logger *logrus.Entry) error {
	parts, err := m.cfg.Repository.PartitionExecutions(ctx, id)
	if err != nil {
		return xerrors.Errorf("lookup partition executions: %w", err)
	}

	now := m.cfg.Clock.Now()
	for _, part := range parts {
		if part.Status.IsTerminal() {
			continue
		}

		part.Finish(batch.StatusFailed, batch.ErrPartitionTimeout, now)
		if err = m.cfg.Repository.UpdateStepExecution(ctx, part); xerrors.Is(err, batch.ErrExecutionTerminal) {
			// A reply arrived in the meantime.
			continue
		} else if err != nil {
			return xerrors.Errorf("update partition execution: %w", err)
		}

		m.metrics.timeouts.Inc()
		logger.WithField("partition", part.PartitionID).Warn("no reply received before the partition timeout")
	}
	return m.tryAggregate(ctx, id, logger)
}

// tryAggregate finalizes the manager step execution if all of its
// partitions are terminal. The conditional update of the repository ensures
// that only one caller completes the aggregation.
func (m *Manager) tryAggregate(ctx context.Context, id int64, logger *logrus.Entry) error {
	mgr, err := m.cfg.Repository.FindStepExecution(ctx, id)
	if err != nil {
		return xerrors.Errorf("lookup manager step execution: %w", err)
	} else if mgr.Status.IsTerminal() {
		return nil
	}

	parts, err := m.cfg.Repository.PartitionExecutions(ctx, id)
	if err != nil {
		return xerrors.Errorf("lookup partition executions: %w", err)
	} else if len(parts) == 0 {
		return nil
	}
	for _, part := range parts {
		if !part.Status.IsTerminal() {
			return nil
		}
	}

	m.setPhase(id, PhaseAggregating)
	mgr.ReadCount, mgr.WriteCount, mgr.SkipCount, mgr.CommitCount, mgr.RollbackCount = 0, 0, 0, 0, 0
	var failed []string
	for _, part := range parts {
		mgr.AddCounters(part)
		if part.Status.IsUnsuccessful() {
			failed = append(failed, part.PartitionID)
		}
	}

	status, cause := batch.StatusCompleted, error(nil)
	if len(failed) != 0 {
		status = batch.StatusFailed
		cause = xerrors.Errorf("partitions failed: %s", strings.Join(failed, ", "))
	}
	mgr.Finish(status, cause, m.cfg.Clock.Now())

	if err = m.cfg.Repository.UpdateStepExecution(ctx, mgr); xerrors.Is(err, batch.ErrExecutionTerminal) {
		return nil
	} else if err != nil {
		return xerrors.Errorf("update manager step execution: %w", err)
	}

	m.metrics.steps.WithLabelValues(status.String()).Inc()
	m.setPhase(id, phaseForStatus(status))
	logger.WithFields(logrus.Fields{
		"status":     status,
		"read":       mgr.ReadCount,
		"written":    mgr.WriteCount,
		"partitions": len(parts),
	}).Info("aggregated partitioned step")
	return nil
}

// fail marks the manager step execution and all of its non-terminal
// partitions as FAILED.
func (m *Manager) fail(ctx context.Context, mgr *batch.StepExecution, cause error) (*batch.StepExecution, error) {
	parts, err := m.cfg.Repository.PartitionExecutions(ctx, mgr.ID)
	if err != nil {
		return nil, xerrors.Errorf("lookup partition executions: %w", err)
	}

	now := m.cfg.Clock.Now()
	for _, part := range parts {
		if part.Status.IsTerminal() {
			continue
		}
		part.Finish(batch.StatusFailed, cause, now)
		if err = m.cfg.Repository.UpdateStepExecution(ctx, part); err != nil && !xerrors.Is(err, batch.ErrExecutionTerminal) {
			return nil, xerrors.Errorf("update partition execution: %w", err)
		}
	}

	mgr.Finish(batch.StatusFailed, cause, now)
	if err = m.cfg.Repository.UpdateStepExecution(ctx, mgr); err != nil && !xerrors.Is(err, batch.ErrExecutionTerminal) {
		return nil, xerrors.Errorf("update manager step execution: %w", err)
	}
	m.metrics.steps.WithLabelValues(batch.StatusFailed.String()).Inc()
	m.setPhase(mgr.ID, PhaseFailed)
	return m.cfg.Repository.FindStepExecution(ctx, mgr.ID)
}

// stop marks the manager step execution as STOPPED after the caller's
// context expired. Partitions that are still running keep their status;
// their replies are still recorded and can be carried over when the job
// is restarted.
func (m *Manager) stop(id int64, cause error, logger *logrus.Entry) (*batch.StepExecution, error) {
	ctx := context.Background()
	mgr, err := m.cfg.Repository.FindStepExecution(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("lookup manager step execution: %w", err)
	}
	if !mgr.Status.IsTerminal() {
		mgr.Finish(batch.StatusStopped, cause, m.cfg.Clock.Now())
		if err = m.cfg.Repository.UpdateStepExecution(ctx, mgr); err != nil && !xerrors.Is(err, batch.ErrExecutionTerminal) {
			return nil, xerrors.Errorf("update manager step execution: %w", err)
		}
		m.setPhase(id, PhaseFailed)
		logger.Warn("partitioned step stopped before all replies were received")
	}
	return mgr, cause
}

func (m *Manager) track(id int64) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &inflightStep{phase: PhaseStarting, doneCh: make(chan struct{})}
	m.inflight[id] = st
	return st.doneCh
}

func (m *Manager) untrack(id int64) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// setPhase advances the phase of a tracked step execution. Terminal phases
// are final and signal the goroutine blocked in Execute.
func (m *Manager) setPhase(id int64, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.inflight[id]
	if !exists || st.phase >= PhaseCompleted {
		return
	}
	st.phase = phase
	if phase >= PhaseCompleted {
		close(st.doneCh)
	}
}

func phaseForStatus(status batch.Status) Phase {
	if status == batch.StatusCompleted {
		return PhaseCompleted
	}
	return PhaseFailed
}

// sortedPartitionNames orders partition names so that numeric suffixes sort
// naturally (partition2 before partition10).
func sortedPartitionNames(contexts map[string]batch.PartitionContext) []string {
	names := make([]string, 0, len(contexts))
	for name := range contexts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}
