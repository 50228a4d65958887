package domain

// ExitIntent is the closed set of trigger reasons produced when a stop check
// fires. It is created transiently and never persisted directly; only the
// resulting ExitEvent is written, with Reason() giving the persisted code.
type ExitIntent interface {
	Reason() ExitReason
}

// InitialStopIntent fires when price crosses the unconditional stop set at entry.
type InitialStopIntent struct {
	StopPrice float64
}

func (InitialStopIntent) Reason() ExitReason { return ReasonInitialStop }

// TrailingStopIntent fires when price gives back the configured fraction of
// the peak favorable excursion.
type TrailingStopIntent struct {
	Peak        float64
	PullbackPct float64
	StopPrice   float64
}

func (TrailingStopIntent) Reason() ExitReason { return ReasonTrailingStop }

// ProtectiveStopIntent fires on a stop that was tightened after a sibling lot
// in the same group realized profit.
type ProtectiveStopIntent struct {
	Multiplier float64
	StopPrice  float64
}

func (ProtectiveStopIntent) Reason() ExitReason { return ReasonProtectiveStop }

// ManualIntent represents an operator-requested close.
type ManualIntent struct{}

func (ManualIntent) Reason() ExitReason { return ReasonManual }
