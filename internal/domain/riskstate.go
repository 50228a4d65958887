package domain

import "fmt"

// RiskState holds the per-position stop levels and activation flags.
// It is mutated only by the owning risk cache; everyone else sees
// immutable snapshots taken at enqueue time.
type RiskState struct {
	PositionID          string
	InitialStopPrice    float64 // Unconditional stop, set at entry
	CurrentStopPrice    float64 // Active stop once trailing/protection kicks in
	PeakPrice           float64 // Extreme favorable price since entry
	TrailingActivated   bool
	ProtectionActivated bool

	// Trailing parameters, fixed at entry.
	ActivationPoints float64 // Unrealized gain required before trailing arms
	PullbackRatio    float64 // Fraction of the peak gain given back before exit
}

// Validate checks the fields the risk cache needs before accepting the state.
// A half-initialized record must never enter the cache.
func (r *RiskState) Validate() error {
	if r.PositionID == "" {
		return fmt.Errorf("risk state has no position id")
	}
	if r.InitialStopPrice <= 0 {
		return fmt.Errorf("risk state %s has no initial stop", r.PositionID)
	}
	if r.ActivationPoints <= 0 {
		return fmt.Errorf("risk state %s has non-positive activation threshold %.2f", r.PositionID, r.ActivationPoints)
	}
	if r.PullbackRatio <= 0 || r.PullbackRatio >= 1 {
		return fmt.Errorf("risk state %s has pullback ratio %.3f outside (0,1)", r.PositionID, r.PullbackRatio)
	}
	return nil
}

// Snapshot returns a value copy safe to hand to another goroutine.
func (r *RiskState) Snapshot() RiskState {
	return *r
}
