package domain

import "strings"

// Direction represents the side of a position (LONG or SHORT).
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// IsValid reports whether the direction is one of the two known values.
func (d Direction) IsValid() bool {
	return d == Long || d == Short
}

// Opposite returns the closing side for the direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// PositionStatus represents the lifecycle status of a position.
type PositionStatus string

const (
	StatusActive PositionStatus = "ACTIVE"
	StatusExited PositionStatus = "EXITED"
	StatusFailed PositionStatus = "FAILED" // exit retry ceiling exceeded, operator attention required
)

// ExitReason is the closed vocabulary of persisted exit reasons.
// The durable store enforces this as an enumeration, so any free-text
// reason produced upstream must be normalized before persisting.
type ExitReason string

const (
	ReasonInitialStop    ExitReason = "InitialStop"
	ReasonTrailingStop   ExitReason = "TrailingStop"
	ReasonProtectiveStop ExitReason = "ProtectiveStop"
	ReasonManual         ExitReason = "Manual"
	ReasonFOKFailure     ExitReason = "FOKFailure"
	ReasonOrderFailure   ExitReason = "OrderFailure"
)

// NormalizeFailureReason maps a broker-supplied free-text failure reason onto
// the closed ExitReason set. Gateways report fill-or-kill cancellations with
// varying text (e.g. "FOK無法成交"), so the check is a substring match.
func NormalizeFailureReason(raw string) ExitReason {
	if strings.Contains(strings.ToUpper(raw), "FOK") {
		return ReasonFOKFailure
	}
	return ReasonOrderFailure
}
