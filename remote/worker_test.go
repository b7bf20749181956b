package remote_test

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/mock/gomock"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/partbatch/partbatch/partition"
	"github.com/partbatch/partbatch/remote"
	"github.com/partbatch/partbatch/remote/mocks"
	"github.com/partbatch/partbatch/step"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(WorkerTestSuite))

type WorkerTestSuite struct {
	suiteBase
}

func (s *WorkerTestSuite) newWorker(c *gc.C, steps remote.StepRegistry) *remote.Worker {
	w, err := remote.NewWorker(remote.WorkerConfig{
		Repository: s.repo,
		Channel:    s.ch,
		Clock:      s.clk,
		Steps:      steps,
	})
	c.Assert(err, gc.IsNil)
	return w
}

// newDispatch persists the manager-side records for a single partition
// covering the [0, 3) range and returns the matching dispatch message.
func (s *WorkerTestSuite) newDispatch(c *gc.C) *dispatch.Dispatch {
	jobExec := s.startJob(c, nil)
	mgr := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		Name:           "import",
		Kind:           batch.KindManager,
		Status:         batch.StatusStarted,
	}
	c.Assert(s.repo.CreateStepExecution(context.TODO(), mgr), gc.IsNil)

	pCtx := batch.PartitionContext{
		batch.PartitionKey:    "partition0",
		partition.MinValueKey: "0",
		partition.MaxValueKey: "3",
	}
	part := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		ParentID:       mgr.ID,
		Name:           "import",
		Kind:           batch.KindPartition,
		PartitionID:    "partition0",
		Context:        pCtx,
		Status:         batch.StatusStarting,
	}
	c.Assert(s.repo.CreateStepExecution(context.TODO(), part), gc.IsNil)

	return &dispatch.Dispatch{
		JobExecutionID:       jobExec.ID,
		StepExecutionID:      mgr.ID,
		PartitionExecutionID: part.ID,
		StepName:             "import",
		PartitionID:          "partition0",
		Context:              pCtx,
	}
}

func (s *WorkerTestSuite) TestConfigValidation(c *gc.C) {
	_, err := remote.NewWorker(remote.WorkerConfig{Queues: dispatch.Queues{Requests: "q", Replies: "q"}})
	c.Assert(err, gc.ErrorMatches, "(?ms).*job repository not specified.*dispatch channel not specified.*must be distinct.*no steps registered.*")
}

func (s *WorkerTestSuite) TestExecutesPartitionAndReplies(c *gc.C) {
	var written collector
	w := s.newWorker(c, remote.StepRegistry{"import": rangeStep(&written)})
	d := s.newDispatch(c)

	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(written.Sorted(), gc.DeepEquals, []int64{0, 1, 2})

	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.CorrelationID(), gc.Equals, d.CorrelationID())
	c.Assert(r.PartitionExecutionID, gc.Equals, d.PartitionExecutionID)
	c.Assert(r.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(r.ReadCount, gc.Equals, int64(3))
	c.Assert(r.WriteCount, gc.Equals, int64(3))
	c.Assert(r.CommitCount, gc.Equals, int64(2))

	exec, err := s.repo.FindChildStepExecution(context.TODO(), d.PartitionExecutionID, batch.KindWorker)
	c.Assert(err, gc.IsNil)
	c.Assert(exec.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(exec.Context, gc.DeepEquals, d.Context)
}

func (s *WorkerTestSuite) TestRedeliveredPartitionIsNotReexecuted(c *gc.C) {
	var (
		written     collector
		invocations int
	)
	factory := rangeStep(&written)
	w := s.newWorker(c, remote.StepRegistry{
		"import": func(pCtx batch.PartitionContext) (step.Definition, error) {
			invocations++
			return factory(pCtx)
		},
	})
	d := s.newDispatch(c)

	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(invocations, gc.Equals, 1)
	c.Assert(written.Sorted(), gc.HasLen, 3)

	replies := s.receiveReplies(c, 2)
	c.Assert(replies[0], gc.DeepEquals, replies[1])
}

func (s *WorkerTestSuite) TestStepFailureProducesFailedReply(c *gc.C) {
	w := s.newWorker(c, remote.StepRegistry{
		"import": func(batch.PartitionContext) (step.Definition, error) {
			return step.Definition{
				Tasklet: step.TaskletFunc(func(context.Context, *step.Contribution) (step.RepeatStatus, error) {
					return step.Finished, xerrors.New("upstream unavailable")
				}),
			}, nil
		},
	})

	c.Assert(w.HandleDispatch(context.TODO(), s.newDispatch(c)), gc.IsNil)
	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.Status, gc.Equals, batch.StatusFailed)
	c.Assert(r.ExitDescription, gc.Equals, "tasklet: upstream unavailable")
	c.Assert(r.RollbackCount, gc.Equals, int64(1))
}

func (s *WorkerTestSuite) TestFactoryPanicProducesFailedReply(c *gc.C) {
	w := s.newWorker(c, remote.StepRegistry{
		"import": func(batch.PartitionContext) (step.Definition, error) {
			panic("misconfigured step")
		},
	})

	c.Assert(w.HandleDispatch(context.TODO(), s.newDispatch(c)), gc.IsNil)
	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.Status, gc.Equals, batch.StatusFailed)
	c.Assert(r.ExitDescription, gc.Equals, "step factory panicked: misconfigured step")
}

func (s *WorkerTestSuite) TestUnknownStepProducesFailedReply(c *gc.C) {
	var written collector
	w := s.newWorker(c, remote.StepRegistry{"other": rangeStep(&written)})

	c.Assert(w.HandleDispatch(context.TODO(), s.newDispatch(c)), gc.IsNil)
	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.Status, gc.Equals, batch.StatusFailed)
	c.Assert(r.ExitDescription, gc.Equals, `no step registered with name "import"`)
}

func (s *WorkerTestSuite) TestInterruptedAttemptResumesAfterCommittedChunks(c *gc.C) {
	var written collector
	w := s.newWorker(c, remote.StepRegistry{"import": rangeStep(&written)})
	d := s.newDispatch(c)

	// Emulate a worker that crashed after committing the first chunk.
	stale := &batch.StepExecution{
		JobExecutionID: d.JobExecutionID,
		ParentID:       d.PartitionExecutionID,
		Name:           d.StepName,
		Kind:           batch.KindWorker,
		PartitionID:    d.PartitionID,
		Context:        d.Context,
		Status:         batch.StatusStarted,
		ReadCount:      2,
		WriteCount:     2,
		CommitCount:    1,
	}
	c.Assert(s.repo.CreateStepExecution(context.TODO(), stale), gc.IsNil)

	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(written.Sorted(), gc.DeepEquals, []int64{2})

	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(r.ReadCount, gc.Equals, int64(3))
	c.Assert(r.WriteCount, gc.Equals, int64(3))
	c.Assert(r.CommitCount, gc.Equals, int64(2))

	stale, err := s.repo.FindStepExecution(context.TODO(), stale.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(stale.Status, gc.Equals, batch.StatusFailed)
}

func (s *WorkerTestSuite) TestRedeliveryAfterCancellationWritesEachItemOnce(c *gc.C) {
	var (
		written  collector
		attempts int
	)
	ctx, cancel := context.WithCancel(context.TODO())
	w := s.newWorker(c, remote.StepRegistry{
		"import": func(batch.PartitionContext) (step.Definition, error) {
			attempts++
			attempt := attempts
			return step.Definition{
				Chunk: &step.Chunk{
					Reader: step.NewSliceReader(int64(0), int64(1), int64(2)),
					Writer: step.ItemWriterFunc(func(_ context.Context, items []interface{}) error {
						written.Add(items)
						// Shut down once the first attempt writes a chunk.
						if attempt == 1 {
							cancel()
						}
						return nil
					}),
					Size: 1,
				},
			}, nil
		},
	})
	d := s.newDispatch(c)

	err := w.HandleDispatch(ctx, d)
	c.Assert(xerrors.Is(err, context.Canceled), gc.Equals, true)
	c.Assert(written.Sorted(), gc.DeepEquals, []int64{0})
	c.Assert(s.broker.Len("replies"), gc.Equals, 0)

	stopped, err := s.repo.FindChildStepExecution(context.TODO(), d.PartitionExecutionID, batch.KindWorker)
	c.Assert(err, gc.IsNil)
	c.Assert(stopped.Status, gc.Equals, batch.StatusStopped)
	c.Assert(stopped.CommitCount, gc.Equals, int64(1))

	// Redeliver the same dispatch.
	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(attempts, gc.Equals, 2)
	c.Assert(written.values, gc.DeepEquals, []int64{0, 1, 2})

	r := s.receiveReplies(c, 1)[0]
	c.Assert(r.Status, gc.Equals, batch.StatusCompleted)
	c.Assert(r.ReadCount, gc.Equals, int64(3))
	c.Assert(r.WriteCount, gc.Equals, int64(3))
	c.Assert(r.CommitCount, gc.Equals, int64(3))
}

func (s *WorkerTestSuite) TestCancelledPartitionIsRedelivered(c *gc.C) {
	var attempts int
	w := s.newWorker(c, remote.StepRegistry{
		"import": func(batch.PartitionContext) (step.Definition, error) {
			attempts++
			return step.Definition{
				Tasklet: step.TaskletFunc(func(ctx context.Context, _ *step.Contribution) (step.RepeatStatus, error) {
					if attempts == 1 {
						// Block until the worker shuts down.
						<-ctx.Done()
						return step.Continue, nil
					}
					return step.Finished, nil
				}),
			}, nil
		},
	})
	d := s.newDispatch(c)

	ctx, cancel := context.WithCancel(context.TODO())
	errCh := make(chan error, 1)
	go func() { errCh <- w.HandleDispatch(ctx, d) }()
	cancel()
	c.Assert(xerrors.Is(<-errCh, context.Canceled), gc.Equals, true)
	c.Assert(s.broker.Len("replies"), gc.Equals, 0)

	c.Assert(w.HandleDispatch(context.TODO(), d), gc.IsNil)
	c.Assert(attempts, gc.Equals, 2)
	c.Assert(s.receiveReplies(c, 1)[0].Status, gc.Equals, batch.StatusCompleted)
}

func (s *WorkerTestSuite) TestRunAcksAndNacksDispatches(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	repo := mocks.NewMockRepository(ctrl)
	ch := mocks.NewMockChannel(ctrl)
	malformed := mocks.NewMockDelivery(ctrl)
	valid := mocks.NewMockDelivery(ctrl)

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	payload, err := dispatch.EncodeDispatch(&dispatch.Dispatch{
		JobExecutionID:       1,
		StepExecutionID:      2,
		PartitionExecutionID: 3,
		StepName:             "import",
		PartitionID:          "partition0",
		Context:              batch.PartitionContext{batch.PartitionKey: "partition0"},
	})
	c.Assert(err, gc.IsNil)

	gomock.InOrder(
		ch.EXPECT().Receive(gomock.Any(), "requests").Return(malformed, nil),
		ch.EXPECT().Receive(gomock.Any(), "requests").Return(valid, nil),
		ch.EXPECT().Receive(gomock.Any(), "requests").DoAndReturn(
			func(ctx context.Context, _ string) (dispatch.Delivery, error) {
				cancel()
				<-ctx.Done()
				return nil, ctx.Err()
			},
		),
	)
	malformed.EXPECT().Body().Return([]byte(`{"step_name":"import"}`))
	malformed.EXPECT().Ack().Return(nil)
	valid.EXPECT().Body().Return(payload)
	valid.EXPECT().Nack().Return(nil)
	repo.EXPECT().FindChildStepExecution(gomock.Any(), int64(3), batch.KindWorker).Return(nil, xerrors.New("connection reset"))

	var written collector
	w, err := remote.NewWorker(remote.WorkerConfig{
		Repository: repo,
		Channel:    ch,
		Steps:      remote.StepRegistry{"import": rangeStep(&written)},
	})
	c.Assert(err, gc.IsNil)
	c.Assert(w.Run(ctx), gc.IsNil)
}

func (s *WorkerTestSuite) TestRunFailsWhenChannelCloses(c *gc.C) {
	var written collector
	w := s.newWorker(c, remote.StepRegistry{"import": rangeStep(&written)})
	c.Assert(s.ch.Close(), gc.IsNil)

	err := w.Run(context.TODO())
	c.Assert(xerrors.Is(err, dispatch.ErrChannelClosed), gc.Equals, true)

	// Give TearDownTest an open channel to close.
	s.ch = s.broker.Channel()
}

// rangeStep returns a factory for a chunk step that writes every value in
// the partition's [minValue, maxValue) range to out.
func rangeStep(out *collector) remote.StepFactory {
	return func(pCtx batch.PartitionContext) (step.Definition, error) {
		from, to, err := partition.Extents(pCtx)
		if err != nil {
			return step.Definition{}, err
		}

		var items []interface{}
		for v := from; v < to; v++ {
			items = append(items, v)
		}
		return step.Definition{
			Chunk: &step.Chunk{
				Reader: step.NewSliceReader(items...),
				Writer: step.ItemWriterFunc(func(_ context.Context, items []interface{}) error {
					out.Add(items)
					return nil
				}),
				Size: 2,
			},
		}, nil
	}
}

type collector struct {
	mu     sync.Mutex
	values []int64
}

func (c *collector) Add(items []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		c.values = append(c.values, item.(int64))
	}
}

func (c *collector) Sorted() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int64(nil), c.values...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
