package remote

// Phase describes the progress of a manager step execution inside the
// process that coordinates it.
type Phase int

// The phases of a manager step execution.
const (
	PhaseStarting Phase = iota
	PhaseDispatching
	PhaseAwaitingReplies
	PhaseAggregating
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "STARTING"
	case PhaseDispatching:
		return "DISPATCHING"
	case PhaseAwaitingReplies:
		return "AWAITING_REPLIES"
	case PhaseAggregating:
		return "AGGREGATING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
