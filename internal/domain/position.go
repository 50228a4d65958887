package domain

import (
	"fmt"
	"time"
)

// Position represents a single open futures lot tracked by the risk core.
type Position struct {
	PositionID string         // Unique identifier for the lot
	GroupID    string         // Strategy group this lot belongs to
	LotIndex   int            // Ordinal of the lot within its group
	Product    string         // Raw contract code (e.g. "TM2507")
	Direction  Direction      // LONG or SHORT
	EntryPrice float64        // Fill price at entry, in index points
	Quantity   int            // Number of contracts
	EntryTime  time.Time      // Timestamp of the entry fill
	Status     PositionStatus // ACTIVE, EXITED or FAILED

	// Populated when the position reaches a terminal state.
	ExitPrice   float64
	ExitTime    time.Time
	RealizedPnL float64    // (exit - entry) * quantity, direction-adjusted, in points
	ExitReason  ExitReason // One of the closed ExitReason set
}

// IsActive checks if the position status is active.
func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}

// Validate checks the identity and pricing fields required before the
// position may enter the risk cache.
func (p *Position) Validate() error {
	if p.PositionID == "" {
		return fmt.Errorf("position has no id")
	}
	if p.Product == "" {
		return fmt.Errorf("position %s has no product", p.PositionID)
	}
	if !p.Direction.IsValid() {
		return fmt.Errorf("position %s has invalid direction %q", p.PositionID, p.Direction)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s has non-positive entry price %.2f", p.PositionID, p.EntryPrice)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s has non-positive quantity %d", p.PositionID, p.Quantity)
	}
	return nil
}

// UnrealizedPoints returns the favorable excursion of price over the entry,
// in points. Positive means the position is in profit.
func (p *Position) UnrealizedPoints(price float64) float64 {
	if p.Direction == Long {
		return price - p.EntryPrice
	}
	return p.EntryPrice - price
}

// RealizedPoints computes the direction-adjusted pnl in points for a fill at
// the given exit price.
func (p *Position) RealizedPoints(exitPrice float64) float64 {
	if p.Direction == Long {
		return (exitPrice - p.EntryPrice) * float64(p.Quantity)
	}
	return (p.EntryPrice - exitPrice) * float64(p.Quantity)
}
