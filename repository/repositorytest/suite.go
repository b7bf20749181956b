package repositorytest

import (
	"context"
	"sync"
	"time"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/repository"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

// SuiteBase defines a re-usable set of repository-related tests that can be
// executed against any type that implements repository.Repository.
type SuiteBase struct {
	r repository.Repository
}

// SetRepository configures the test-suite to run all tests against r.
func (s *SuiteBase) SetRepository(r repository.Repository) {
	s.r = r
}

// TestCreateJobExecution verifies the job instance uniqueness rules.
func (s *SuiteBase) TestCreateJobExecution(c *gc.C) {
	ctx := context.TODO()
	params := batch.Parameters{"run": "create"}

	first, err := s.r.CreateJobExecution(ctx, "job", params)
	c.Assert(err, gc.IsNil)
	c.Assert(first.ID, gc.Not(gc.Equals), int64(0), gc.Commentf("expected an ID to be assigned to the new execution"))
	c.Assert(first.Status, gc.Equals, batch.StatusStarting)

	// The instance has a running execution.
	_, err = s.r.CreateJobExecution(ctx, "job", params)
	c.Assert(xerrors.Is(err, batch.ErrJobAlreadyRunning), gc.Equals, true, gc.Commentf("got %v", err))

	// A failed instance can be relaunched and keeps its identity.
	first.Status = batch.StatusFailed
	first.EndTime = time.Now()
	c.Assert(s.r.UpdateJobExecution(ctx, first), gc.IsNil)

	second, err := s.r.CreateJobExecution(ctx, "job", params)
	c.Assert(err, gc.IsNil)
	c.Assert(second.ID, gc.Not(gc.Equals), first.ID)
	c.Assert(second.InstanceID, gc.Equals, first.InstanceID)

	last, err := s.r.LastJobExecution(ctx, "job", params)
	c.Assert(err, gc.IsNil)
	c.Assert(last.ID, gc.Equals, second.ID)

	// A completed instance cannot be relaunched.
	second.Status = batch.StatusCompleted
	c.Assert(s.r.UpdateJobExecution(ctx, second), gc.IsNil)
	_, err = s.r.CreateJobExecution(ctx, "job", params)
	c.Assert(xerrors.Is(err, batch.ErrDuplicateJobInstance), gc.Equals, true, gc.Commentf("got %v", err))

	// Different parameters or a different name yield a new instance.
	other, err := s.r.CreateJobExecution(ctx, "job", batch.Parameters{"run": "other"})
	c.Assert(err, gc.IsNil)
	c.Assert(other.InstanceID, gc.Not(gc.Equals), first.InstanceID)
	renamed, err := s.r.CreateJobExecution(ctx, "other-job", params)
	c.Assert(err, gc.IsNil)
	c.Assert(renamed.InstanceID, gc.Not(gc.Equals), first.InstanceID)
}

// TestLastJobExecutionNotFound verifies the lookup of an unknown instance.
func (s *SuiteBase) TestLastJobExecutionNotFound(c *gc.C) {
	_, err := s.r.LastJobExecution(context.TODO(), "missing", batch.Parameters{"run": "missing"})
	c.Assert(xerrors.Is(err, batch.ErrNotFound), gc.Equals, true)
}

// TestStepExecutionLifecycle verifies step execution updates and their
// read-after-write visibility.
func (s *SuiteBase) TestStepExecutionLifecycle(c *gc.C) {
	ctx := context.TODO()
	jobExec := s.createJobExecution(c, "lifecycle")

	exec := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		Name:           "step",
		Kind:           batch.KindLocal,
		Status:         batch.StatusStarting,
	}
	c.Assert(s.r.CreateStepExecution(ctx, exec), gc.IsNil)
	c.Assert(exec.ID, gc.Not(gc.Equals), int64(0))

	exec.Status = batch.StatusStarted
	exec.ReadCount, exec.WriteCount, exec.CommitCount = 3, 3, 1
	c.Assert(s.r.UpdateStepExecution(ctx, exec), gc.IsNil)

	stored, err := s.r.FindStepExecution(ctx, exec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(stored.Status, gc.Equals, batch.StatusStarted)
	c.Assert(stored.ReadCount, gc.Equals, int64(3))
	c.Assert(stored.WriteCount, gc.Equals, int64(3))
	c.Assert(stored.CommitCount, gc.Equals, int64(1))

	exec.Status = batch.StatusFailed
	exec.ExitDescription = "boom"
	exec.EndTime = time.Now()
	c.Assert(s.r.UpdateStepExecution(ctx, exec), gc.IsNil)

	// Terminal executions are immutable.
	exec.Status = batch.StatusCompleted
	exec.ReadCount = 42
	err = s.r.UpdateStepExecution(ctx, exec)
	c.Assert(xerrors.Is(err, batch.ErrExecutionTerminal), gc.Equals, true, gc.Commentf("got %v", err))

	stored, err = s.r.FindStepExecution(ctx, exec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(stored.Status, gc.Equals, batch.StatusFailed)
	c.Assert(stored.ReadCount, gc.Equals, int64(3))
	c.Assert(stored.ExitDescription, gc.Equals, "boom")

	_, err = s.r.FindStepExecution(ctx, exec.ID+1000)
	c.Assert(xerrors.Is(err, batch.ErrNotFound), gc.Equals, true)
}

// TestConcurrentTerminalTransition verifies that when multiple callers race
// to move the same execution to a terminal status, exactly one succeeds.
func (s *SuiteBase) TestConcurrentTerminalTransition(c *gc.C) {
	ctx := context.TODO()
	jobExec := s.createJobExecution(c, "race")
	exec := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		Name:           "manager",
		Kind:           batch.KindManager,
		Status:         batch.StatusStarted,
	}
	c.Assert(s.r.CreateStepExecution(ctx, exec), gc.IsNil)

	const numRacers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	wg.Add(numRacers)
	for i := 0; i < numRacers; i++ {
		go func(i int) {
			defer wg.Done()
			update := exec.Clone()
			update.Status = batch.StatusCompleted
			update.ReadCount = int64(i)
			err := s.r.UpdateStepExecution(ctx, update)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			c.Check(xerrors.Is(err, batch.ErrExecutionTerminal), gc.Equals, true, gc.Commentf("got %v", err))
		}(i)
	}
	wg.Wait()
	c.Assert(succeeded, gc.Equals, 1)
}

// TestPartitionExecutions verifies the lookups used by the partition
// coordinators.
func (s *SuiteBase) TestPartitionExecutions(c *gc.C) {
	ctx := context.TODO()
	jobExec := s.createJobExecution(c, "partitions")

	manager := &batch.StepExecution{JobExecutionID: jobExec.ID, Name: "import", Kind: batch.KindManager, Status: batch.StatusStarted}
	c.Assert(s.r.CreateStepExecution(ctx, manager), gc.IsNil)

	var partIDs []int64
	for _, name := range []string{"partition0", "partition1", "partition2"} {
		part := &batch.StepExecution{
			JobExecutionID: jobExec.ID,
			ParentID:       manager.ID,
			Name:           "import",
			Kind:           batch.KindPartition,
			PartitionID:    name,
			Context:        batch.PartitionContext{batch.PartitionKey: name, "minValue": "0"},
			Status:         batch.StatusStarting,
		}
		c.Assert(s.r.CreateStepExecution(ctx, part), gc.IsNil)
		partIDs = append(partIDs, part.ID)
	}

	parts, err := s.r.PartitionExecutions(ctx, manager.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(parts, gc.HasLen, 3)
	for i, part := range parts {
		c.Assert(part.ID, gc.Equals, partIDs[i])
		c.Assert(part.Context.PartitionID(), gc.Equals, part.PartitionID)
		c.Assert(part.Context["minValue"], gc.Equals, "0")
	}

	// Partition executions are not top-level steps.
	steps, err := s.r.StepExecutions(ctx, jobExec.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(steps, gc.HasLen, 1)
	c.Assert(steps[0].ID, gc.Equals, manager.ID)

	// Worker executions hang off partition executions.
	_, err = s.r.FindChildStepExecution(ctx, partIDs[1], batch.KindWorker)
	c.Assert(xerrors.Is(err, batch.ErrNotFound), gc.Equals, true)

	worker := &batch.StepExecution{
		JobExecutionID: jobExec.ID,
		ParentID:       partIDs[1],
		Name:           "import",
		Kind:           batch.KindWorker,
		PartitionID:    "partition1",
		Status:         batch.StatusStarted,
	}
	c.Assert(s.r.CreateStepExecution(ctx, worker), gc.IsNil)
	found, err := s.r.FindChildStepExecution(ctx, partIDs[1], batch.KindWorker)
	c.Assert(err, gc.IsNil)
	c.Assert(found.ID, gc.Equals, worker.ID)

	// Unknown parents are rejected.
	orphan := &batch.StepExecution{JobExecutionID: jobExec.ID, ParentID: worker.ID + 1000, Name: "x", Kind: batch.KindPartition}
	c.Assert(xerrors.Is(s.r.CreateStepExecution(ctx, orphan), batch.ErrNotFound), gc.Equals, true)
}

// TestLastStepExecution verifies that step executions can be looked up
// across all executions of a job instance.
func (s *SuiteBase) TestLastStepExecution(c *gc.C) {
	ctx := context.TODO()
	params := batch.Parameters{"run": "resume"}

	first, err := s.r.CreateJobExecution(ctx, "resume-job", params)
	c.Assert(err, gc.IsNil)
	setup := &batch.StepExecution{JobExecutionID: first.ID, Name: "setup", Kind: batch.KindLocal, Status: batch.StatusCompleted}
	c.Assert(s.r.CreateStepExecution(ctx, setup), gc.IsNil)
	first.Status = batch.StatusFailed
	c.Assert(s.r.UpdateJobExecution(ctx, first), gc.IsNil)

	second, err := s.r.CreateJobExecution(ctx, "resume-job", params)
	c.Assert(err, gc.IsNil)

	last, err := s.r.LastStepExecution(ctx, second.InstanceID, "setup")
	c.Assert(err, gc.IsNil)
	c.Assert(last.ID, gc.Equals, setup.ID)
	c.Assert(last.Status, gc.Equals, batch.StatusCompleted)

	_, err = s.r.LastStepExecution(ctx, second.InstanceID, "import")
	c.Assert(xerrors.Is(err, batch.ErrNotFound), gc.Equals, true)
}

func (s *SuiteBase) createJobExecution(c *gc.C, run string) *batch.JobExecution {
	exec, err := s.r.CreateJobExecution(context.TODO(), "job", batch.Parameters{"run": run})
	c.Assert(err, gc.IsNil)
	return exec
}
