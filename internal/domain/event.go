package domain

import "time"

// ExitEvent is the durable record of a terminal exit attempt.
type ExitEvent struct {
	ID          int64
	PositionID  string
	GroupID     string
	Product     string
	Reason      ExitReason
	FillPrice   float64 // 0 when the exit failed terminally
	FillTime    time.Time
	PeakPrice   float64
	RealizedPnL float64
	RetryCount  int
}

// AttemptOutcome is the lifecycle state of a single exit submission.
type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "PENDING"
	OutcomeFilled    AttemptOutcome = "FILLED"
	OutcomeCancelled AttemptOutcome = "CANCELLED"
	OutcomeAbandoned AttemptOutcome = "ABANDONED" // retry ceiling hit
)

// ExitAttempt describes one submission of an exit order, including retries.
type ExitAttempt struct {
	PositionID string
	OrderID    string // client order id of the submission
	RetryCount int
	ChasePrice float64
	Outcome    AttemptOutcome
}
