package remote_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/juju/clock"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/partbatch/partbatch/partition"
	"github.com/partbatch/partbatch/remote"
	"github.com/partbatch/partbatch/remote/mocks"
	"github.com/partbatch/partbatch/step"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(ManagerTestSuite))

type ManagerTestSuite struct {
	suiteBase
}

func (s *ManagerTestSuite) newManager(c *gc.C, cfg remote.ManagerConfig) *remote.Manager {
	if cfg.Repository == nil {
		cfg.Repository = s.repo
	}
	if cfg.Channel == nil {
		cfg.Channel = s.ch
	}
	if cfg.Partitioner == nil {
		cfg.Partitioner = partition.RangePartitioner{From: 0, To: 9}
	}
	if cfg.Clock == nil {
		cfg.Clock = s.clk
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	m, err := remote.NewManager(cfg)
	c.Assert(err, gc.IsNil)
	return m
}

func (s *ManagerTestSuite) TestConfigValidation(c *gc.C) {
	_, err := remote.NewManager(remote.ManagerConfig{PartitionTimeout: -1})
	c.Assert(err, gc.ErrorMatches, "(?ms).*job repository not specified.*dispatch channel not specified.*partitioner not specified.*partition timeout must not be negative.*")
}

func (s *ManagerTestSuite) TestAggregatesSuccessfulPartitions(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 3})
	jobExec := s.startJob(c, batch.Parameters{"run": "1"})
	resCh := execute(m, jobExec, "import")

	dispatches := s.receiveDispatches(c, 3)
	mgrID := dispatches[0].StepExecutionID
	s.awaitPhase(c, m, mgrID, remote.PhaseAwaitingReplies)

	for i, d := range dispatches {
		c.Assert(d.PartitionID, gc.Equals, partition.Name(i))
		c.Assert(d.Context[partition.MinValueKey], gc.Equals, fmt.Sprint(i*3))
		c.Assert(m.HandleReply(context.TODO(), replyFor(d, batch.StatusCompleted, int64(i+1))), gc.IsNil)
	}

	exec := awaitResult(c, resCh)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.Kind, gc.Equals, batch.KindManager)
	c.Assert(exec.WriteCount, gc.Equals, int64(6))
	c.Assert(exec.CommitCount, gc.Equals, int64(3))

	_, tracked := m.Phase(mgrID)
	c.Assert(tracked, gc.Equals, false)

	parts, err := s.repo.PartitionExecutions(context.TODO(), mgrID)
	c.Assert(err, gc.IsNil)
	c.Assert(parts, gc.HasLen, 3)
	for _, part := range parts {
		c.Assert(part.Status, gc.Equals, batch.StatusCompleted)
	}
}

func (s *ManagerTestSuite) TestAnyFailedPartitionFailsTheStep(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 3})
	resCh := execute(m, s.startJob(c, nil), "import")

	dispatches := s.receiveDispatches(c, 3)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)
	failed := replyFor(dispatches[1], batch.StatusFailed, 0)
	failed.ExitDescription = "chunk write failure: disk full"
	c.Assert(m.HandleReply(context.TODO(), failed), gc.IsNil)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[2], batch.StatusCompleted, 3)), gc.IsNil)

	exec := awaitResult(c, resCh)
	c.Assert(exec.Status, gc.Equals, batch.StatusFailed)
	c.Assert(exec.ExitDescription, gc.Equals, "partitions failed: partition1")
	c.Assert(exec.WriteCount, gc.Equals, int64(6))
}

func (s *ManagerTestSuite) TestDuplicateReplyIsDiscarded(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 2})
	resCh := execute(m, s.startJob(c, nil), "import")

	dispatches := s.receiveDispatches(c, 2)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)

	// A redelivered reply with a conflicting outcome must not alter the
	// accepted one.
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusFailed, 99)), gc.IsNil)
	part, err := s.repo.FindStepExecution(context.TODO(), dispatches[0].PartitionExecutionID)
	c.Assert(err, gc.IsNil)
	c.Assert(part.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(part.WriteCount, gc.Equals, int64(3))

	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[1], batch.StatusCompleted, 4)), gc.IsNil)
	exec := awaitResult(c, resCh)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.WriteCount, gc.Equals, int64(7))

	// Replies arriving after aggregation leave the step untouched.
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[1], batch.StatusFailed, 0)), gc.IsNil)
	exec, err = s.repo.FindStepExecution(context.TODO(), exec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
}

func (s *ManagerTestSuite) TestMismatchedAndUnknownRepliesAreDiscarded(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 1})
	resCh := execute(m, s.startJob(c, nil), "import")
	d := s.receiveDispatches(c, 1)[0]

	unknown := replyFor(d, batch.StatusCompleted, 1)
	unknown.PartitionExecutionID = 4242
	c.Assert(m.HandleReply(context.TODO(), unknown), gc.IsNil)

	mismatched := replyFor(d, batch.StatusCompleted, 1)
	mismatched.StepExecutionID++
	c.Assert(m.HandleReply(context.TODO(), mismatched), gc.IsNil)

	part, err := s.repo.FindStepExecution(context.TODO(), d.PartitionExecutionID)
	c.Assert(err, gc.IsNil)
	c.Assert(part.Status, gc.Equals, batch.StatusStarting)

	c.Assert(m.HandleReply(context.TODO(), replyFor(d, batch.StatusCompleted, 1)), gc.IsNil)
	c.Assert(awaitResult(c, resCh).Status, gc.Equals, batch.StatusCompleted)
}

func (s *ManagerTestSuite) TestAggregationRunsExactlyOnce(c *gc.C) {
	repo := &countingRepository{Repository: s.repo}

	// Two manager instances share the repository to emulate replies being
	// consumed by different processes. The coordinating manager polls the
	// repository to detect aggregations performed by its peer.
	cfg := remote.ManagerConfig{
		Repository:   repo,
		GridSize:     8,
		Partitioner:  partition.Simple{},
		Clock:        clock.WallClock,
		PollInterval: 10 * time.Millisecond,
	}
	m1, m2 := s.newManager(c, cfg), s.newManager(c, cfg)

	for round := 0; round < 5; round++ {
		resCh := execute(m1, s.startJob(c, batch.Parameters{"round": fmt.Sprint(round)}), "import")
		dispatches := s.receiveDispatches(c, 8)

		var (
			wg      sync.WaitGroup
			startCh = make(chan struct{})
		)
		for i, d := range dispatches {
			r := replyFor(d, batch.StatusCompleted, int64(i+1))
			for _, m := range []*remote.Manager{m1, m2, m1, m2} {
				wg.Add(1)
				go func(m *remote.Manager) {
					defer wg.Done()
					<-startCh
					c.Check(m.HandleReply(context.TODO(), r), gc.IsNil)
				}(m)
			}
		}
		close(startCh)
		wg.Wait()

		exec := awaitResult(c, resCh)
		c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
		c.Assert(exec.WriteCount, gc.Equals, int64(36))
		c.Assert(repo.Aggregations(), gc.Equals, round+1, gc.Commentf("round %d", round))
	}
}

func (s *ManagerTestSuite) TestPartitionTimeout(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{
		GridSize:         3,
		PartitionTimeout: time.Minute,
	})
	resCh := execute(m, s.startJob(c, nil), "import")

	dispatches := s.receiveDispatches(c, 3)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)

	// Wait for the timeout and poll timers to be armed.
	c.Assert(s.clk.WaitAdvance(time.Minute, 10*time.Second, 2), gc.IsNil)

	exec := awaitResult(c, resCh)
	c.Assert(exec.Status, gc.Equals, batch.StatusFailed)
	c.Assert(exec.ExitDescription, gc.Equals, "partitions failed: partition1, partition2")

	parts, err := s.repo.PartitionExecutions(context.TODO(), exec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(parts[0].Status, gc.Equals, batch.StatusCompleted)
	for _, part := range parts[1:] {
		c.Assert(part.Status, gc.Equals, batch.StatusFailed)
		c.Assert(part.ExitDescription, gc.Equals, "no reply received")
	}

	// A late reply is discarded.
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[1], batch.StatusCompleted, 3)), gc.IsNil)
	part, err := s.repo.FindStepExecution(context.TODO(), dispatches[1].PartitionExecutionID)
	c.Assert(err, gc.IsNil)
	c.Assert(part.ExitDescription, gc.Equals, batch.ErrPartitionTimeout.Error())
}

func (s *ManagerTestSuite) TestInvalidGridSizeFailsStep(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 0, Partitioner: partition.Simple{}})
	exec, err := m.Execute(context.TODO(), s.startJob(c, nil), "import")
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusFailed)
	c.Assert(exec.ExitDescription, gc.Matches, ".*grid size must be a positive integer")
	c.Assert(s.broker.Len("requests"), gc.Equals, 0)
}

func (s *ManagerTestSuite) TestResumeDispatchesOnlyIncompletePartitions(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 3})
	params := batch.Parameters{"file": "customers.csv"}

	jobExec := s.startJob(c, params)
	resCh := execute(m, jobExec, "import")
	dispatches := s.receiveDispatches(c, 3)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[1], batch.StatusFailed, 0)), gc.IsNil)
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[2], batch.StatusCompleted, 3)), gc.IsNil)
	c.Assert(awaitResult(c, resCh).Status, gc.Equals, batch.StatusFailed)

	jobExec.Status = batch.StatusFailed
	c.Assert(s.repo.UpdateJobExecution(context.TODO(), jobExec), gc.IsNil)

	// Restart the job instance.
	jobExec = s.startJob(c, params)
	resCh = execute(m, jobExec, "import")
	dispatches = s.receiveDispatches(c, 1)
	c.Assert(dispatches[0].PartitionID, gc.Equals, "partition1")
	c.Assert(s.broker.Len("requests"), gc.Equals, 0)

	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)
	exec := awaitResult(c, resCh)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.WriteCount, gc.Equals, int64(9))

	parts, err := s.repo.PartitionExecutions(context.TODO(), exec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(parts, gc.HasLen, 3)
	c.Assert(parts[0].ExitDescription, gc.Matches, "completed by step execution .*")
}

func (s *ManagerTestSuite) TestStopsWhenContextExpires(c *gc.C) {
	m := s.newManager(c, remote.ManagerConfig{GridSize: 2})
	jobExec := s.startJob(c, nil)
	ctx, cancel := context.WithCancel(context.TODO())

	resCh := make(chan executeResult, 1)
	go func() {
		exec, err := m.Execute(ctx, jobExec, "import")
		resCh <- executeResult{exec: exec, err: err}
	}()

	dispatches := s.receiveDispatches(c, 2)
	s.awaitPhase(c, m, dispatches[0].StepExecutionID, remote.PhaseAwaitingReplies)
	cancel()

	res := <-resCh
	c.Assert(xerrors.Is(res.err, context.Canceled), gc.Equals, true)
	c.Assert(res.exec.Status, gc.Equals, batch.StatusStopped)

	// Replies are still recorded so that the partitions can be carried
	// over by a restarted execution.
	c.Assert(m.HandleReply(context.TODO(), replyFor(dispatches[0], batch.StatusCompleted, 3)), gc.IsNil)
	part, err := s.repo.FindStepExecution(context.TODO(), dispatches[0].PartitionExecutionID)
	c.Assert(err, gc.IsNil)
	c.Assert(part.Status, gc.Equals, batch.StatusCompleted)
}

func (s *ManagerTestSuite) TestRunAcksAndNacksReplies(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	repo := mocks.NewMockRepository(ctrl)
	ch := mocks.NewMockChannel(ctrl)
	malformed := mocks.NewMockDelivery(ctrl)
	valid := mocks.NewMockDelivery(ctrl)

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	payload, err := dispatch.EncodeReply(&dispatch.Reply{
		JobExecutionID:       1,
		StepExecutionID:      2,
		PartitionExecutionID: 3,
		Status:               batch.StatusCompleted,
	})
	c.Assert(err, gc.IsNil)

	gomock.InOrder(
		ch.EXPECT().Receive(gomock.Any(), "replies").Return(malformed, nil),
		ch.EXPECT().Receive(gomock.Any(), "replies").Return(valid, nil),
		ch.EXPECT().Receive(gomock.Any(), "replies").DoAndReturn(
			func(ctx context.Context, _ string) (dispatch.Delivery, error) {
				cancel()
				<-ctx.Done()
				return nil, ctx.Err()
			},
		),
	)
	malformed.EXPECT().Body().Return([]byte("{{"))
	malformed.EXPECT().Ack().Return(nil)
	valid.EXPECT().Body().Return(payload)
	valid.EXPECT().Nack().Return(nil)
	repo.EXPECT().FindStepExecution(gomock.Any(), int64(3)).Return(nil, xerrors.New("connection reset"))

	m := s.newManager(c, remote.ManagerConfig{
		Repository:   repo,
		Channel:      ch,
		GridSize:     1,
		ReplyWorkers: 1,
	})
	c.Assert(m.Run(ctx), gc.IsNil)
}

func (s *ManagerTestSuite) TestEndToEnd(c *gc.C) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	m := s.newManager(c, remote.ManagerConfig{GridSize: 3})
	var written collector
	w := s.newRangeWorker(c, &written)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Check(m.Run(ctx), gc.IsNil)
	}()
	go func() {
		defer wg.Done()
		c.Check(w.Run(ctx), gc.IsNil)
	}()

	exec, err := m.Execute(ctx, s.startJob(c, nil), "import")
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.ReadCount, gc.Equals, int64(9))
	c.Assert(exec.WriteCount, gc.Equals, int64(9))
	c.Assert(written.Sorted(), gc.DeepEquals, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8})

	cancel()
	wg.Wait()
}

func (s *ManagerTestSuite) TestResumedPartitionSkipsCommittedChunks(c *gc.C) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	m := s.newManager(c, remote.ManagerConfig{
		GridSize:    1,
		Partitioner: partition.RangePartitioner{From: 0, To: 3},
	})

	var (
		written collector
		failed  bool
	)
	w, err := remote.NewWorker(remote.WorkerConfig{
		Repository: s.repo,
		Channel:    s.ch,
		Clock:      s.clk,
		Steps: remote.StepRegistry{
			"import": func(pCtx batch.PartitionContext) (step.Definition, error) {
				def, err := rangeStep(&written)(pCtx)
				if err != nil {
					return def, err
				}
				def.Chunk.Size = 1
				def.Chunk.Writer = step.ItemWriterFunc(func(_ context.Context, items []interface{}) error {
					if items[0].(int64) == 2 && !failed {
						failed = true
						return xerrors.New("deadlock detected")
					}
					written.Add(items)
					return nil
				})
				return def, nil
			},
		},
	})
	c.Assert(err, gc.IsNil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Check(m.Run(ctx), gc.IsNil)
	}()
	go func() {
		defer wg.Done()
		c.Check(w.Run(ctx), gc.IsNil)
	}()

	params := batch.Parameters{"file": "customers.csv"}
	jobExec := s.startJob(c, params)
	exec, err := m.Execute(ctx, jobExec, "import")
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusFailed)
	c.Assert(exec.WriteCount, gc.Equals, int64(2))

	jobExec.Status = batch.StatusFailed
	c.Assert(s.repo.UpdateJobExecution(context.TODO(), jobExec), gc.IsNil)

	exec, err = m.Execute(ctx, s.startJob(c, params), "import")
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.ReadCount, gc.Equals, int64(3))
	c.Assert(exec.WriteCount, gc.Equals, int64(3))

	cancel()
	wg.Wait()
	c.Assert(written.values, gc.DeepEquals, []int64{0, 1, 2})
}

func (s *ManagerTestSuite) newRangeWorker(c *gc.C, out *collector) *remote.Worker {
	w, err := remote.NewWorker(remote.WorkerConfig{
		Repository:  s.repo,
		Channel:     s.ch,
		Clock:       s.clk,
		Concurrency: 2,
		Steps:       remote.StepRegistry{"import": rangeStep(out)},
	})
	c.Assert(err, gc.IsNil)
	return w
}

func (s *ManagerTestSuite) awaitPhase(c *gc.C, m *remote.Manager, id int64, exp remote.Phase) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if phase, tracked := m.Phase(id); tracked && phase == exp {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("timeout waiting for step execution %d to reach phase %s", id, exp)
}
