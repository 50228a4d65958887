// Package riskcache owns the authoritative in-memory state of all ACTIVE
// positions and evaluates every incoming tick against their stop rules.
// It is the only component that reads ticks.
package riskcache

import (
	"context"
	"fmt"
	"sync"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// stopSource records which rule last moved the active stop, so the trigger
// carries the right persisted reason.
type stopSource int

const (
	stopNone stopSource = iota
	stopTrailing
	stopProtective
)

type entry struct {
	pos     *domain.Position
	risk    *domain.RiskState
	stopSrc stopSource
	dirty   bool // stop level or activation flags changed since last drain
}

// TriggeredExit binds an exit intent to the position it fires for. The
// position and risk state are value copies; the live entry has already been
// removed from the cache when a TriggeredExit is returned.
type TriggeredExit struct {
	Position domain.Position
	Risk     domain.RiskState
	Intent   domain.ExitIntent
}

// Config holds the cache dependencies.
type Config struct {
	Logger ports.Logger
}

// Cache evaluates ticks against the stop rules of every cached position.
//
// Ownership: the tick consumer drives OnTick; OnNewPosition and ManualExit
// may be called from other goroutines, so all state lives behind one mutex
// with short critical sections and no I/O inside.
type Cache struct {
	logger ports.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order; positions are evaluated in this order
}

// NewCache creates a position/risk cache.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	return &Cache{
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
		order:   make([]string, 0, 16),
	}, nil
}

// OnNewPosition inserts a position with its risk state. It fails loudly
// (logs, does not insert) rather than caching a half-initialized entry.
func (c *Cache) OnNewPosition(pos *domain.Position, risk *domain.RiskState) error {
	ctx := context.Background()
	if pos == nil || risk == nil {
		c.logger.Error(ctx, ports.ErrInvalidRequest, "Refusing nil position or risk state")
		return ports.ErrInvalidRequest
	}
	if err := pos.Validate(); err != nil {
		c.logger.Error(ctx, err, "Refusing malformed position", map[string]interface{}{"positionID": pos.PositionID})
		return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	if err := risk.Validate(); err != nil {
		c.logger.Error(ctx, err, "Refusing incomplete risk state", map[string]interface{}{"positionID": pos.PositionID})
		return fmt.Errorf("%w: %v", ports.ErrIncompleteRiskState, err)
	}
	if risk.PositionID != pos.PositionID {
		c.logger.Error(ctx, ports.ErrInvalidRequest, "Risk state id does not match position", map[string]interface{}{
			"positionID": pos.PositionID, "riskID": risk.PositionID})
		return ports.ErrInvalidRequest
	}
	if !pos.IsActive() {
		c.logger.Warn(ctx, "Ignoring non-active position", map[string]interface{}{
			"positionID": pos.PositionID, "status": pos.Status})
		return ports.ErrInvalidRequest
	}

	p := *pos
	r := *risk
	if r.PeakPrice == 0 {
		r.PeakPrice = p.EntryPrice
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[p.PositionID]; exists {
		c.logger.Warn(ctx, "Position already cached, ignoring duplicate insert", map[string]interface{}{"positionID": p.PositionID})
		return ports.ErrPositionExists
	}
	src := stopNone
	if r.TrailingActivated {
		src = stopTrailing
	}
	if r.ProtectionActivated {
		src = stopProtective
	}
	c.entries[p.PositionID] = &entry{pos: &p, risk: &r, stopSrc: src}
	c.order = append(c.order, p.PositionID)

	c.logger.Info(ctx, "Position cached", map[string]interface{}{
		"positionID": p.PositionID,
		"group":      p.GroupID,
		"direction":  p.Direction,
		"entryPrice": p.EntryPrice,
		"quantity":   p.Quantity,
	})
	return nil
}

// OnTick evaluates every cached position against the tick, in insertion
// order, and returns the exits it triggered. A triggered position is removed
// from the cache before OnTick returns, so the next tick cannot re-trigger
// it. Malformed ticks are skipped with a warning and never raise.
func (c *Cache) OnTick(tick *domain.Tick) []TriggeredExit {
	ctx := context.Background()
	if tick == nil {
		return nil
	}
	if err := tick.Validate(); err != nil {
		c.logger.Warn(ctx, "Skipping malformed tick", map[string]interface{}{"error": err.Error()})
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var triggered []TriggeredExit
	kept := c.order[:0]
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		intent := c.evaluate(e, tick)
		if intent == nil {
			kept = append(kept, id)
			continue
		}
		triggered = append(triggered, TriggeredExit{
			Position: *e.pos,
			Risk:     e.risk.Snapshot(),
			Intent:   intent,
		})
		delete(c.entries, id)
	}
	c.order = kept
	return triggered
}

// evaluate runs the stop rules for one entry. Returns nil when no exit
// fires. Caller holds c.mu.
func (c *Cache) evaluate(e *entry, tick *domain.Tick) domain.ExitIntent {
	pos, risk := e.pos, e.risk
	price := tick.Close

	// Track the extreme favorable price since entry.
	if pos.Direction == domain.Long {
		if price > risk.PeakPrice {
			risk.PeakPrice = price
		}
	} else {
		if price < risk.PeakPrice {
			risk.PeakPrice = price
		}
	}

	gain := pos.UnrealizedPoints(risk.PeakPrice)

	// Arm the trailing stop once the peak gain reaches the threshold.
	if !risk.TrailingActivated && gain >= risk.ActivationPoints {
		risk.TrailingActivated = true
		e.dirty = true
		c.logger.Info(context.Background(), "Trailing stop activated", map[string]interface{}{
			"positionID": pos.PositionID,
			"peak":       risk.PeakPrice,
			"gain":       gain,
		})
	}

	// Recompute the trailing stop. It only ever moves in the
	// profit-protecting direction, never loosens.
	if risk.TrailingActivated {
		pullback := risk.PullbackRatio * gain
		if pos.Direction == domain.Long {
			cand := risk.PeakPrice - pullback
			if cand > risk.CurrentStopPrice {
				risk.CurrentStopPrice = cand
				e.stopSrc = stopTrailing
				e.dirty = true
			}
		} else {
			cand := risk.PeakPrice + pullback
			if risk.CurrentStopPrice == 0 || cand < risk.CurrentStopPrice {
				risk.CurrentStopPrice = cand
				e.stopSrc = stopTrailing
				e.dirty = true
			}
		}
	}

	crossed := func(level float64) bool {
		if level <= 0 {
			return false
		}
		if pos.Direction == domain.Long {
			return price <= level
		}
		return price >= level
	}

	// The armed stop takes precedence; the initial stop is unconditional.
	if (risk.TrailingActivated || risk.ProtectionActivated) && crossed(risk.CurrentStopPrice) {
		if e.stopSrc == stopProtective {
			return domain.ProtectiveStopIntent{StopPrice: risk.CurrentStopPrice}
		}
		return domain.TrailingStopIntent{
			Peak:        risk.PeakPrice,
			PullbackPct: risk.PullbackRatio,
			StopPrice:   risk.CurrentStopPrice,
		}
	}
	if crossed(risk.InitialStopPrice) {
		return domain.InitialStopIntent{StopPrice: risk.InitialStopPrice}
	}
	return nil
}

// ManualExit removes a position from the cache and returns a manual exit
// trigger for it. Returns false if the position is not cached.
func (c *Cache) ManualExit(positionID string) (TriggeredExit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[positionID]
	if !ok {
		return TriggeredExit{}, false
	}
	delete(c.entries, positionID)
	for i, id := range c.order {
		if id == positionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return TriggeredExit{
		Position: *e.pos,
		Risk:     e.risk.Snapshot(),
		Intent:   domain.ManualIntent{},
	}, true
}

// TightenGroup moves the stops of every active lot in the group toward the
// peak by the multiplier, locking in gains after a sibling lot realized
// profit. Stops only tighten; lots still under water are left alone.
// Returns the number of lots whose stop moved.
func (c *Cache) TightenGroup(groupID string, multiplier float64) int {
	if multiplier <= 0 || multiplier >= 1 {
		c.logger.Warn(context.Background(), "Ignoring protective tighten with multiplier outside (0,1)", map[string]interface{}{
			"group": groupID, "multiplier": multiplier})
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tightened := 0
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok || e.pos.GroupID != groupID {
			continue
		}
		risk, pos := e.risk, e.pos
		gain := pos.UnrealizedPoints(risk.PeakPrice)
		if gain <= 0 {
			continue
		}
		var cand float64
		if pos.Direction == domain.Long {
			cand = pos.EntryPrice + multiplier*gain
			if cand <= risk.CurrentStopPrice {
				continue
			}
		} else {
			cand = pos.EntryPrice - multiplier*gain
			if risk.CurrentStopPrice != 0 && cand >= risk.CurrentStopPrice {
				continue
			}
		}
		risk.CurrentStopPrice = cand
		risk.ProtectionActivated = true
		e.stopSrc = stopProtective
		e.dirty = true
		tightened++
		c.logger.Info(context.Background(), "Protective stop tightened", map[string]interface{}{
			"positionID": pos.PositionID,
			"group":      groupID,
			"newStop":    cand,
		})
	}
	return tightened
}

// DrainDirty returns snapshots of every risk state whose stop level or
// activation flags changed since the previous drain, and clears the flags.
// The service enqueues these as risk-state upserts; peak-only movement is
// deliberately not persisted per tick.
func (c *Cache) DrainDirty() []domain.RiskState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.RiskState
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok || !e.dirty {
			continue
		}
		e.dirty = false
		out = append(out, e.risk.Snapshot())
	}
	return out
}

// Len returns the number of cached active positions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RiskSnapshot returns a copy of the risk state for a cached position.
func (c *Cache) RiskSnapshot(positionID string) (domain.RiskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[positionID]
	if !ok {
		return domain.RiskState{}, false
	}
	return e.risk.Snapshot(), true
}
