package retrain

// State is the phase of the retrain state machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateCollecting   State = "COLLECTING"
	StateTraining     State = "TRAINING"
	StateRegistering  State = "REGISTERING"
	StateMarking      State = "MARKING"
	StateDone         State = "DONE"
	StateInconsistent State = "INCONSISTENT"
)

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State            State  `json:"state"`
	Threshold        int    `json:"threshold"`
	Unprocessed      int    `json:"unprocessed_feedback"`
	PendingReconcile int    `json:"pending_reconcile"`
	QueuedJobs       int    `json:"queued_reconcile_jobs"`
	LastVersion      int64  `json:"last_version,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// Retrain outcomes, also used as metric labels.
const (
	outcomeSuccess = "success"
	outcomeSkipped = "skipped"
	outcomeTimeout = "timeout"
	outcomePartial = "partial"
	outcomeNoData  = "no_data"
	outcomeError   = "error"
)

// Reasons reported by no-op retrains.
const (
	ReasonThresholdNotMet = "threshold not met"
	ReasonNoFeedback      = "no unprocessed feedback"
)
