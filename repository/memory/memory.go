package memory

import (
	"context"
	"sync"
	"time"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/repository"
	"golang.org/x/xerrors"
)

// Compile-time check for ensuring InMemoryRepository implements Repository.
var _ repository.Repository = (*InMemoryRepository)(nil)

type instanceKey struct {
	name string
	hash string
}

// InMemoryRepository implements an in-memory job repository. All mutations
// are serialized through a single lock which makes every update atomic and
// immediately visible to subsequent reads.
type InMemoryRepository struct {
	mu sync.RWMutex

	nextID        int64
	instances     map[instanceKey]*batch.JobInstance
	jobExecs      map[int64]*batch.JobExecution
	instanceExecs map[int64][]int64
	stepExecs     map[int64]*batch.StepExecution

	// Step execution IDs in creation order.
	stepOrder []int64
}

// NewInMemoryRepository creates a new in-memory job repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		instances:     make(map[instanceKey]*batch.JobInstance),
		jobExecs:      make(map[int64]*batch.JobExecution),
		instanceExecs: make(map[int64][]int64),
		stepExecs:     make(map[int64]*batch.StepExecution),
	}
}

// CreateJobExecution implements repository.Repository.
func (r *InMemoryRepository) CreateJobExecution(_ context.Context, name string, params batch.Parameters) (*batch.JobExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey{name: name, hash: params.Hash()}
	inst := r.instances[key]
	if inst == nil {
		r.nextID++
		inst = &batch.JobInstance{ID: r.nextID, Name: name, ParametersHash: key.hash}
		r.instances[key] = inst
	} else if execIDs := r.instanceExecs[inst.ID]; len(execIDs) != 0 {
		last := r.jobExecs[execIDs[len(execIDs)-1]]
		switch {
		case last.Status == batch.StatusCompleted:
			return nil, xerrors.Errorf("create job execution: %w", batch.ErrDuplicateJobInstance)
		case !last.Status.IsTerminal():
			return nil, xerrors.Errorf("create job execution: %w", batch.ErrJobAlreadyRunning)
		}
	}

	r.nextID++
	exec := &batch.JobExecution{
		ID:         r.nextID,
		InstanceID: inst.ID,
		Name:       name,
		Parameters: params.Clone(),
		Status:     batch.StatusStarting,
		StartTime:  time.Now().UTC(),
	}
	r.jobExecs[exec.ID] = exec
	r.instanceExecs[inst.ID] = append(r.instanceExecs[inst.ID], exec.ID)

	cpy := *exec
	return &cpy, nil
}

// UpdateJobExecution implements repository.Repository.
func (r *InMemoryRepository) UpdateJobExecution(_ context.Context, exec *batch.JobExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.jobExecs[exec.ID]
	if stored == nil {
		return xerrors.Errorf("update job execution: %w", batch.ErrNotFound)
	}

	stored.Status = exec.Status
	stored.EndTime = exec.EndTime
	stored.ExitDescription = exec.ExitDescription
	return nil
}

// LastJobExecution implements repository.Repository.
func (r *InMemoryRepository) LastJobExecution(_ context.Context, name string, params batch.Parameters) (*batch.JobExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst := r.instances[instanceKey{name: name, hash: params.Hash()}]
	if inst == nil || len(r.instanceExecs[inst.ID]) == 0 {
		return nil, xerrors.Errorf("last job execution: %w", batch.ErrNotFound)
	}

	execIDs := r.instanceExecs[inst.ID]
	cpy := *r.jobExecs[execIDs[len(execIDs)-1]]
	cpy.Parameters = cpy.Parameters.Clone()
	return &cpy, nil
}

// CreateStepExecution implements repository.Repository.
func (r *InMemoryRepository) CreateStepExecution(_ context.Context, exec *batch.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobExecs[exec.JobExecutionID] == nil {
		return xerrors.Errorf("create step execution: unknown job execution %d: %w", exec.JobExecutionID, batch.ErrNotFound)
	}
	if exec.ParentID != 0 && r.stepExecs[exec.ParentID] == nil {
		return xerrors.Errorf("create step execution: unknown parent execution %d: %w", exec.ParentID, batch.ErrNotFound)
	}

	r.nextID++
	exec.ID = r.nextID
	exec.LastUpdated = time.Now().UTC()
	if exec.StartTime.IsZero() {
		exec.StartTime = exec.LastUpdated
	}
	r.stepExecs[exec.ID] = exec.Clone()
	r.stepOrder = append(r.stepOrder, exec.ID)
	return nil
}

// UpdateStepExecution implements repository.Repository.
func (r *InMemoryRepository) UpdateStepExecution(_ context.Context, exec *batch.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.stepExecs[exec.ID]
	if stored == nil {
		return xerrors.Errorf("update step execution: %w", batch.ErrNotFound)
	} else if stored.Status.IsTerminal() {
		return xerrors.Errorf("update step execution %d: %w", exec.ID, batch.ErrExecutionTerminal)
	}

	exec.LastUpdated = time.Now().UTC()
	updated := exec.Clone()

	// Identity and ownership never change after creation.
	updated.JobExecutionID = stored.JobExecutionID
	updated.ParentID = stored.ParentID
	updated.Name = stored.Name
	updated.Kind = stored.Kind
	updated.PartitionID = stored.PartitionID
	updated.Context = stored.Context
	r.stepExecs[exec.ID] = updated
	return nil
}

// FindStepExecution implements repository.Repository.
func (r *InMemoryRepository) FindStepExecution(_ context.Context, id int64) (*batch.StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.stepExecs[id]
	if stored == nil {
		return nil, xerrors.Errorf("find step execution: %w", batch.ErrNotFound)
	}
	return stored.Clone(), nil
}

// FindChildStepExecution implements repository.Repository.
func (r *InMemoryRepository) FindChildStepExecution(_ context.Context, parentID int64, kind batch.StepKind) (*batch.StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.stepOrder) - 1; i >= 0; i-- {
		if exec := r.stepExecs[r.stepOrder[i]]; exec.ParentID == parentID && exec.Kind == kind {
			return exec.Clone(), nil
		}
	}
	return nil, xerrors.Errorf("find child step execution: %w", batch.ErrNotFound)
}

// StepExecutions implements repository.Repository.
func (r *InMemoryRepository) StepExecutions(_ context.Context, jobExecutionID int64) ([]*batch.StepExecution, error) {
	return r.filterSteps(func(exec *batch.StepExecution) bool {
		return exec.JobExecutionID == jobExecutionID && exec.ParentID == 0
	}), nil
}

// PartitionExecutions implements repository.Repository.
func (r *InMemoryRepository) PartitionExecutions(_ context.Context, parentID int64) ([]*batch.StepExecution, error) {
	return r.filterSteps(func(exec *batch.StepExecution) bool {
		return exec.ParentID == parentID && exec.Kind == batch.KindPartition
	}), nil
}

// LastStepExecution implements repository.Repository.
func (r *InMemoryRepository) LastStepExecution(_ context.Context, instanceID int64, stepName string) (*batch.StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.stepOrder) - 1; i >= 0; i-- {
		exec := r.stepExecs[r.stepOrder[i]]
		if exec.ParentID != 0 || exec.Name != stepName {
			continue
		}
		if jobExec := r.jobExecs[exec.JobExecutionID]; jobExec != nil && jobExec.InstanceID == instanceID {
			return exec.Clone(), nil
		}
	}
	return nil, xerrors.Errorf("last step execution: %w", batch.ErrNotFound)
}

// Close implements repository.Repository.
func (r *InMemoryRepository) Close() error { return nil }

func (r *InMemoryRepository) filterSteps(keep func(*batch.StepExecution) bool) []*batch.StepExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var list []*batch.StepExecution
	for _, id := range r.stepOrder {
		if exec := r.stepExecs[id]; keep(exec) {
			list = append(list, exec.Clone())
		}
	}
	return list
}
