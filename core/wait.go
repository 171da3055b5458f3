package core

import "time"

// WaitKind distinguishes what a suspended branch is waiting for.
type WaitKind string

const (
	WaitEvent    WaitKind = "event"
	WaitApproval WaitKind = "approval"
	WaitHear     WaitKind = "hear"
)

// Resolution records how a WaitState was closed.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionSatisfied Resolution = "satisfied"
	ResolutionTimedOut  Resolution = "timed_out"
	ResolutionCancelled Resolution = "cancelled"
)

// WaitKey uniquely identifies an outstanding suspension.
type WaitKey struct {
	ExecutionID string
	Name        string
}

// String renders the key as "<execution>/<name>".
func (k WaitKey) String() string { return k.ExecutionID + "/" + k.Name }

// WaitState is the persisted continuation of a suspended branch. Together
// with the cursor it names, it is everything needed to resume after restart.
//
// Name is the key under which the wait is registered (see EventWaitName),
// the approval variable for WaitApproval and the target variable for
// WaitHear. Event holds the awaited event name for WaitEvent.
type WaitState struct {
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Event       string     `json:"event,omitempty"`
	CursorID    string     `json:"cursor_id"`
	Kind        WaitKind   `json:"kind"`
	Deadline    time.Time  `json:"deadline"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	InputType   string     `json:"input_type,omitempty"`
	Options     []string   `json:"options,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	Completed   bool       `json:"completed"`
	Resolution  Resolution `json:"resolution,omitempty"`
	Payload     any        `json:"payload,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  time.Time  `json:"resolved_at,omitempty"`
}

// Key returns the wait's unique key.
func (w WaitState) Key() WaitKey {
	return WaitKey{ExecutionID: w.ExecutionID, Name: w.Name}
}

// HasDeadline reports whether the wait can time out.
func (w WaitState) HasDeadline() bool { return !w.Deadline.IsZero() }

// ApprovalStatus is the outcome recorded for a human approval.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// Decision is an approver's answer to a HumanApproval wait.
type Decision struct {
	Status    ApprovalStatus `json:"status"`
	DecidedBy string         `json:"decided_by"`
	Comment   string         `json:"comment,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// TimeoutDecider is the DecidedBy value recorded when a deadline decides an approval.
const TimeoutDecider = "system:timeout"

// EventWaitName returns the wait name under which cursorID waits for event.
// The main cursor uses the bare event name; parallel cursors append
// "@<cursor>" so sibling branches can wait on the same event.
func EventWaitName(event, cursorID string) string {
	if cursorID == "" || cursorID == MainCursor {
		return event
	}
	return event + "@" + cursorID
}

// EventName returns the event an Event-kind wait is parked on. Waits
// without an Event field are keyed by the bare event name.
func (w WaitState) EventName() string {
	if w.Kind != WaitEvent {
		return ""
	}
	if w.Event != "" {
		return w.Event
	}
	return w.Name
}
