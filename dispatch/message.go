package dispatch

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/partbatch/partbatch/batch"
	"golang.org/x/xerrors"
)

// ErrMalformedMessage is returned when a message cannot be decoded.
var ErrMalformedMessage = xerrors.New("malformed message")

// CorrelationID ties replies to the manager step execution that requested
// them.
type CorrelationID struct {
	JobExecutionID  int64
	StepExecutionID int64
}

func (id CorrelationID) String() string {
	return fmt.Sprintf("%d/%d", id.JobExecutionID, id.StepExecutionID)
}

// Dispatch asks a worker to execute a single partition.
type Dispatch struct {
	JobExecutionID int64 `json:"job_execution_id"`

	// StepExecutionID is the ID of the manager step execution.
	StepExecutionID int64 `json:"step_execution_id"`

	// PartitionExecutionID is the ID of the manager-side record of the
	// partition. Replies must carry it back unchanged.
	PartitionExecutionID int64 `json:"partition_execution_id"`

	StepName    string                 `json:"step_name"`
	PartitionID string                 `json:"partition_id"`
	Context     batch.PartitionContext `json:"context"`
}

// CorrelationID returns the correlation ID for the dispatch.
func (d *Dispatch) CorrelationID() CorrelationID {
	return CorrelationID{JobExecutionID: d.JobExecutionID, StepExecutionID: d.StepExecutionID}
}

// Reply reports the outcome of a partition back to the manager.
type Reply struct {
	JobExecutionID       int64        `json:"job_execution_id"`
	StepExecutionID      int64        `json:"step_execution_id"`
	PartitionExecutionID int64        `json:"partition_execution_id"`
	PartitionID          string       `json:"partition_id"`
	Status               batch.Status `json:"status"`
	ReadCount            int64        `json:"read_count"`
	WriteCount           int64        `json:"write_count"`
	SkipCount            int64        `json:"skip_count"`
	CommitCount          int64        `json:"commit_count"`
	RollbackCount        int64        `json:"rollback_count"`
	ExitDescription      string       `json:"exit_description,omitempty"`
}

// CorrelationID returns the correlation ID for the reply.
func (r *Reply) CorrelationID() CorrelationID {
	return CorrelationID{JobExecutionID: r.JobExecutionID, StepExecutionID: r.StepExecutionID}
}

// NewReply populates a reply for the dispatch d using the final state of
// the worker-side execution.
func NewReply(d *Dispatch, exec *batch.StepExecution) *Reply {
	return &Reply{
		JobExecutionID:       d.JobExecutionID,
		StepExecutionID:      d.StepExecutionID,
		PartitionExecutionID: d.PartitionExecutionID,
		PartitionID:          d.PartitionID,
		Status:               exec.Status,
		ReadCount:            exec.ReadCount,
		WriteCount:           exec.WriteCount,
		SkipCount:            exec.SkipCount,
		CommitCount:          exec.CommitCount,
		RollbackCount:        exec.RollbackCount,
		ExitDescription:      exec.ExitDescription,
	}
}

// ApplyTo copies the outcome carried by the reply to a partition execution.
func (r *Reply) ApplyTo(exec *batch.StepExecution) {
	exec.Status = r.Status
	exec.ReadCount = r.ReadCount
	exec.WriteCount = r.WriteCount
	exec.SkipCount = r.SkipCount
	exec.CommitCount = r.CommitCount
	exec.RollbackCount = r.RollbackCount
	exec.ExitDescription = r.ExitDescription
}

// EncodeDispatch serializes a dispatch message.
func EncodeDispatch(d *Dispatch) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDispatch parses and validates a dispatch message.
func DecodeDispatch(data []byte) (*Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case d.PartitionExecutionID == 0 || d.StepExecutionID == 0 || d.JobExecutionID == 0:
		return nil, fmt.Errorf("%w: missing execution IDs", ErrMalformedMessage)
	case d.StepName == "":
		return nil, fmt.Errorf("%w: missing step name", ErrMalformedMessage)
	case d.Context.PartitionID() == "":
		return nil, fmt.Errorf("%w: partition context lacks the %q key", ErrMalformedMessage, batch.PartitionKey)
	}
	return &d, nil
}

// EncodeReply serializes a reply message.
func EncodeReply(r *Reply) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReply parses and validates a reply message.
func DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case r.PartitionExecutionID == 0 || r.StepExecutionID == 0 || r.JobExecutionID == 0:
		return nil, fmt.Errorf("%w: missing execution IDs", ErrMalformedMessage)
	case r.Status != batch.StatusCompleted && r.Status != batch.StatusFailed:
		// Workers only report partitions that ran to completion or failed.
		return nil, fmt.Errorf("%w: unexpected reply status %q", ErrMalformedMessage, r.Status)
	}
	return &r, nil
}
