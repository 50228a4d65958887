package riskcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(Config{Logger: &mockLogger{}})
	require.NoError(t, err)
	return c
}

func longPosition(id, group string, entry float64) *domain.Position {
	return &domain.Position{
		PositionID: id,
		GroupID:    group,
		LotIndex:   1,
		Product:    "TM2507",
		Direction:  domain.Long,
		EntryPrice: entry,
		Quantity:   1,
		EntryTime:  time.Now(),
		Status:     domain.StatusActive,
	}
}

func shortPosition(id, group string, entry float64) *domain.Position {
	p := longPosition(id, group, entry)
	p.Direction = domain.Short
	return p
}

func riskFor(id string, initialStop, activation, pullback float64) *domain.RiskState {
	return &domain.RiskState{
		PositionID:       id,
		InitialStopPrice: initialStop,
		ActivationPoints: activation,
		PullbackRatio:    pullback,
	}
}

func tickAt(price float64) *domain.Tick {
	return &domain.Tick{Bid: price - 1, Ask: price + 1, Close: price, Quantity: 1, Time: time.Now()}
}

func TestOnNewPositionRejectsIncompleteState(t *testing.T) {
	c := newTestCache(t)
	pos := longPosition("p1", "g1", 21500)

	err := c.OnNewPosition(pos, &domain.RiskState{PositionID: "p1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrIncompleteRiskState)
	assert.Equal(t, 0, c.Len())

	err = c.OnNewPosition(pos, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestOnNewPositionRejectsDuplicate(t *testing.T) {
	c := newTestCache(t)
	pos := longPosition("p1", "g1", 21500)
	risk := riskFor("p1", 21470, 15, 0.2)

	require.NoError(t, c.OnNewPosition(pos, risk))
	err := c.OnNewPosition(pos, risk)
	assert.ErrorIs(t, err, ports.ErrPositionExists)
	assert.Equal(t, 1, c.Len())
}

func TestInitialStopTriggersBeforeActivation(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	// Price above the stop: nothing fires.
	assert.Empty(t, c.OnTick(tickAt(21480)))

	triggered := c.OnTick(tickAt(21470))
	require.Len(t, triggered, 1)
	intent, ok := triggered[0].Intent.(domain.InitialStopIntent)
	require.True(t, ok, "expected InitialStopIntent, got %T", triggered[0].Intent)
	assert.Equal(t, 21470.0, intent.StopPrice)
	assert.Equal(t, domain.ReasonInitialStop, triggered[0].Intent.Reason())
	assert.Equal(t, 0, c.Len(), "triggered position must leave the cache")
}

func TestTrailingStopLifecycleLong(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	// Gain 10: below the activation threshold, trailing stays off.
	assert.Empty(t, c.OnTick(tickAt(21510)))
	risk, ok := c.RiskSnapshot("p1")
	require.True(t, ok)
	assert.False(t, risk.TrailingActivated)

	// Peak 21515, gain 15: trailing arms, stop = 21515 - 0.2*15 = 21512.
	assert.Empty(t, c.OnTick(tickAt(21515)))
	risk, ok = c.RiskSnapshot("p1")
	require.True(t, ok)
	assert.True(t, risk.TrailingActivated)
	assert.InDelta(t, 21512.0, risk.CurrentStopPrice, 1e-9)
	assert.Equal(t, 21515.0, risk.PeakPrice)

	// Pullback to 21513: above the stop, still holding.
	assert.Empty(t, c.OnTick(tickAt(21513)))

	// 21512 touches the stop: trailing exit fires.
	triggered := c.OnTick(tickAt(21512))
	require.Len(t, triggered, 1)
	intent, ok := triggered[0].Intent.(domain.TrailingStopIntent)
	require.True(t, ok, "expected TrailingStopIntent, got %T", triggered[0].Intent)
	assert.Equal(t, 21515.0, intent.Peak)
	assert.InDelta(t, 21512.0, intent.StopPrice, 1e-9)

	// The removal is atomic with the trigger: the same price cannot re-fire.
	assert.Empty(t, c.OnTick(tickAt(21512)))
	assert.Equal(t, 0, c.Len())
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	// Peak 21520: stop = 21520 - 0.2*20 = 21516.
	assert.Empty(t, c.OnTick(tickAt(21520)))
	risk, _ := c.RiskSnapshot("p1")
	assert.InDelta(t, 21516.0, risk.CurrentStopPrice, 1e-9)

	// Retreat to 21517: peak and stop must hold their ground.
	assert.Empty(t, c.OnTick(tickAt(21517)))
	risk, _ = c.RiskSnapshot("p1")
	assert.Equal(t, 21520.0, risk.PeakPrice)
	assert.InDelta(t, 21516.0, risk.CurrentStopPrice, 1e-9)

	// New peak 21530: stop advances to 21530 - 0.2*30 = 21524.
	assert.Empty(t, c.OnTick(tickAt(21530)))
	risk, _ = c.RiskSnapshot("p1")
	assert.InDelta(t, 21524.0, risk.CurrentStopPrice, 1e-9)
}

func TestTrailingStopLifecycleShort(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(shortPosition("p1", "g1", 21500), riskFor("p1", 21530, 15, 0.2)))

	// Price falls to 21485, gain 15: trailing arms, stop = 21485 + 3 = 21488.
	assert.Empty(t, c.OnTick(tickAt(21485)))
	risk, ok := c.RiskSnapshot("p1")
	require.True(t, ok)
	assert.True(t, risk.TrailingActivated)
	assert.InDelta(t, 21488.0, risk.CurrentStopPrice, 1e-9)

	// Bounce back to the stop fires the short exit.
	triggered := c.OnTick(tickAt(21488))
	require.Len(t, triggered, 1)
	assert.Equal(t, domain.ReasonTrailingStop, triggered[0].Intent.Reason())
}

func TestShortInitialStop(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(shortPosition("p1", "g1", 21500), riskFor("p1", 21530, 15, 0.2)))

	triggered := c.OnTick(tickAt(21530))
	require.Len(t, triggered, 1)
	assert.Equal(t, domain.ReasonInitialStop, triggered[0].Intent.Reason())
}

func TestMalformedTickIsSkipped(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	assert.Empty(t, c.OnTick(&domain.Tick{Bid: 21501, Ask: 21400, Close: 21400, Time: time.Now()}))
	assert.Empty(t, c.OnTick(&domain.Tick{}))
	assert.Empty(t, c.OnTick(nil))
	assert.Equal(t, 1, c.Len(), "malformed ticks must not disturb cached positions")
}

func TestMultiplePositionsTriggerIndependently(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))
	require.NoError(t, c.OnNewPosition(longPosition("p2", "g1", 21440), riskFor("p2", 21410, 15, 0.2)))

	// 21470 stops out p1 only; p2 is 30 points in profit at that price.
	triggered := c.OnTick(tickAt(21470))
	require.Len(t, triggered, 1)
	assert.Equal(t, "p1", triggered[0].Position.PositionID)
	assert.Equal(t, 1, c.Len())

	_, ok := c.RiskSnapshot("p2")
	assert.True(t, ok)
}

func TestManualExit(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	trig, ok := c.ManualExit("p1")
	require.True(t, ok)
	assert.Equal(t, domain.ReasonManual, trig.Intent.Reason())
	assert.Equal(t, "p1", trig.Position.PositionID)
	assert.Equal(t, 0, c.Len())

	_, ok = c.ManualExit("p1")
	assert.False(t, ok, "second manual exit for the same position must miss")
}

func TestTightenGroup(t *testing.T) {
	c := newTestCache(t)
	// High activation threshold keeps trailing off so the protective stop is
	// the only stop in play.
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 100, 0.2)))
	require.NoError(t, c.OnNewPosition(longPosition("p2", "g2", 21500), riskFor("p2", 21470, 100, 0.2)))

	// Drive the peak to 21520 (gain 20) without arming anything.
	assert.Empty(t, c.OnTick(tickAt(21520)))

	// Tighten g1: stop moves to 21500 + 0.5*20 = 21510. g2 is untouched.
	assert.Equal(t, 1, c.TightenGroup("g1", 0.5))
	risk, _ := c.RiskSnapshot("p1")
	assert.True(t, risk.ProtectionActivated)
	assert.InDelta(t, 21510.0, risk.CurrentStopPrice, 1e-9)
	other, _ := c.RiskSnapshot("p2")
	assert.False(t, other.ProtectionActivated)

	// A second tighten at the same multiplier changes nothing.
	assert.Equal(t, 0, c.TightenGroup("g1", 0.5))

	// Falling back to the protective stop fires with the protective reason.
	triggered := c.OnTick(tickAt(21510))
	require.Len(t, triggered, 1)
	assert.Equal(t, domain.ReasonProtectiveStop, triggered[0].Intent.Reason())
}

func TestTightenGroupSkipsUnderwaterLots(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 100, 0.2)))

	// Price below entry: no gain to protect.
	assert.Empty(t, c.OnTick(tickAt(21490)))
	assert.Equal(t, 0, c.TightenGroup("g1", 0.5))
}

func TestTightenGroupRejectsBadMultiplier(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 100, 0.2)))
	assert.Empty(t, c.OnTick(tickAt(21520)))

	assert.Equal(t, 0, c.TightenGroup("g1", 0))
	assert.Equal(t, 0, c.TightenGroup("g1", 1))
	assert.Equal(t, 0, c.TightenGroup("g1", 1.5))
}

func TestDrainDirty(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.OnNewPosition(longPosition("p1", "g1", 21500), riskFor("p1", 21470, 15, 0.2)))

	// A tick that only moves the peak below activation leaves nothing dirty.
	assert.Empty(t, c.OnTick(tickAt(21510)))
	assert.Empty(t, c.DrainDirty())

	// Arming the trailing stop marks the state dirty exactly once.
	assert.Empty(t, c.OnTick(tickAt(21515)))
	dirty := c.DrainDirty()
	require.Len(t, dirty, 1)
	assert.True(t, dirty[0].TrailingActivated)
	assert.InDelta(t, 21512.0, dirty[0].CurrentStopPrice, 1e-9)
	assert.Empty(t, c.DrainDirty(), "drain must clear the flags")

	// A stop advance dirties it again.
	assert.Empty(t, c.OnTick(tickAt(21530)))
	require.Len(t, c.DrainDirty(), 1)
}
