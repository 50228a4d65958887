package reconcile

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

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(Config{Window: 30 * time.Second, PriceTolerance: 10, Logger: &mockLogger{}})
	require.NoError(t, err)
	return m
}

func pending(id string, price float64, qty int, at time.Time) *PendingOrder {
	return &PendingOrder{
		ClientOrderID: id,
		Product:       "TM2507",
		Side:          domain.Short,
		Quantity:      qty,
		Price:         price,
		SubmitTime:    at,
	}
}

func TestNormalizeProduct(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"TM2507", "TM0000"},
		{"tm2507", "TM0000"},
		{"TX2512", "TX0000"},
		{"TM0000", "TM0000"},
		{"TM", "TM"},
		{"2507", "2507"},
		{"TM25B7", "TM25B7"},
		{" TM2507 ", "TM0000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeProduct(tt.in), "NormalizeProduct(%q)", tt.in)
	}
}

func TestCancelMatchesByProductAndWindowOnly(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	m.RegisterPending(pending("order-1", 21500, 2, now))

	// A cancellation report for the generic root, with no price or quantity.
	got, ok := m.Match(ports.ExecutionReport{
		Status:  ports.ReportCancelled,
		Product: "TM0000",
		Time:    now.Add(time.Second),
		Reason:  "FOK無法成交",
	})
	require.True(t, ok)
	assert.Equal(t, "order-1", got.ClientOrderID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, m.PendingCount())
}

func TestFillRequiresQuantityAndPriceTolerance(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	m.RegisterPending(pending("order-1", 21500, 2, now))

	// Wrong quantity never matches.
	_, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 1, Price: 21500, Time: now,
	})
	assert.False(t, ok)

	// Price outside the 10 point tolerance never matches.
	_, ok = m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21511, Time: now,
	})
	assert.False(t, ok)

	// Slippage inside the tolerance matches.
	got, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21493, Time: now,
	})
	require.True(t, ok)
	assert.Equal(t, "order-1", got.ClientOrderID)
	assert.Equal(t, StatusMatched, got.Status)
}

func TestEarliestSubmittedWins(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	// Registered out of submit order; the list must stay time-ordered.
	m.RegisterPending(pending("late", 21500, 2, now.Add(2*time.Second)))
	m.RegisterPending(pending("early", 21500, 2, now))

	got, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21500, Time: now.Add(3 * time.Second),
	})
	require.True(t, ok)
	assert.Equal(t, "early", got.ClientOrderID)

	got, ok = m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21500, Time: now.Add(3 * time.Second),
	})
	require.True(t, ok)
	assert.Equal(t, "late", got.ClientOrderID)
}

func TestWindowExpiryPurgesLazily(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	m.RegisterPending(pending("stale", 21500, 2, now.Add(-31*time.Second)))
	m.RegisterPending(pending("fresh", 21400, 1, now))
	require.Equal(t, 2, m.PendingCount())

	// The stale order must not match, and the purge happens on this call.
	_, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21500, Time: now,
	})
	assert.False(t, ok)
	assert.Equal(t, 1, m.PendingCount())

	got, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 1, Price: 21400, Time: now,
	})
	require.True(t, ok)
	assert.Equal(t, "fresh", got.ClientOrderID)
}

func TestDifferentProductNeverMatches(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	m.RegisterPending(pending("order-1", 21500, 2, now))

	_, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportCancelled, Product: "TX2507", Time: now,
	})
	assert.False(t, ok)
	assert.Equal(t, 1, m.PendingCount())
}

func TestMatchedOrderIsRemoved(t *testing.T) {
	m := newTestMatcher(t)
	now := time.Now()

	m.RegisterPending(pending("order-1", 21500, 2, now))

	_, ok := m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21500, Time: now,
	})
	require.True(t, ok)

	// The same report again finds nothing; at-most-once consumption.
	_, ok = m.Match(ports.ExecutionReport{
		Status: ports.ReportFilled, Product: "TM2507", Quantity: 2, Price: 21500, Time: now,
	})
	assert.False(t, ok)
}
