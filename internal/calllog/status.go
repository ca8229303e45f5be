package calllog

// Status is a call status as stored by the backend.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusInCall    Status = "in_call"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusNoAnswer  Status = "no-answer"
)

// Terminal reports whether no further status is expected after s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusCancelled, StatusNoAnswer:
		return true
	}
	return false
}

// Outcome describes what ReportStatus did.
type Outcome string

const (
	// OutcomeCreated: a backend record was created.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated: a non-terminal status was sent for an existing record.
	OutcomeUpdated Outcome = "updated"
	// OutcomeFinalized: a terminal status was acknowledged and the record closed.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeLocalOnly: only the history cache was updated.
	OutcomeLocalOnly Outcome = "local_only"
	// OutcomeFailed: the backend request failed; the cache entry stands.
	OutcomeFailed Outcome = "failed"
	// OutcomeDuplicate: a terminal status was already logged; nothing happened.
	OutcomeDuplicate Outcome = "duplicate"
)
