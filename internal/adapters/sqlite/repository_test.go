package sqlite

import (
	"context"
	"path/filepath"
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

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "risk_core_test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func activePosition(id string) *domain.Position {
	return &domain.Position{
		PositionID: id,
		GroupID:    "g1",
		LotIndex:   1,
		Product:    "TM2507",
		Direction:  domain.Long,
		EntryPrice: 21500,
		Quantity:   2,
		EntryTime:  time.Now().UTC().Truncate(time.Second),
		Status:     domain.StatusActive,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := activePosition("pos-1")
	require.NoError(t, repo.UpsertPosition(ctx, in))

	out, err := repo.FindPositionByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.PositionID, out.PositionID)
	assert.Equal(t, in.GroupID, out.GroupID)
	assert.Equal(t, in.Direction, out.Direction)
	assert.Equal(t, in.EntryPrice, out.EntryPrice)
	assert.Equal(t, in.Quantity, out.Quantity)
	assert.Equal(t, domain.StatusActive, out.Status)
	assert.True(t, out.ExitTime.IsZero())
	assert.Empty(t, out.ExitReason)
}

func TestFindPositionByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	pos, err := repo.FindPositionByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestUpsertPositionUpdatesTerminalFields(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := activePosition("pos-1")
	require.NoError(t, repo.UpsertPosition(ctx, pos))

	pos.Status = domain.StatusExited
	pos.ExitPrice = 21512
	pos.ExitTime = time.Now().UTC().Truncate(time.Second)
	pos.RealizedPnL = 24
	pos.ExitReason = domain.ReasonTrailingStop
	require.NoError(t, repo.UpsertPosition(ctx, pos))

	out, err := repo.FindPositionByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, domain.StatusExited, out.Status)
	assert.Equal(t, 21512.0, out.ExitPrice)
	assert.Equal(t, 24.0, out.RealizedPnL)
	assert.Equal(t, domain.ReasonTrailingStop, out.ExitReason)
	assert.False(t, out.ExitTime.IsZero())
}

func TestFindActivePositionsOrdersByEntryTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	later := activePosition("pos-later")
	later.EntryTime = time.Now().UTC().Truncate(time.Second)
	earlier := activePosition("pos-earlier")
	earlier.EntryTime = later.EntryTime.Add(-time.Hour)
	exited := activePosition("pos-exited")
	exited.Status = domain.StatusExited

	require.NoError(t, repo.UpsertPosition(ctx, later))
	require.NoError(t, repo.UpsertPosition(ctx, earlier))
	require.NoError(t, repo.UpsertPosition(ctx, exited))

	active, err := repo.FindActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "pos-earlier", active[0].PositionID)
	assert.Equal(t, "pos-later", active[1].PositionID)
}

func TestRiskStateRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := &domain.RiskState{
		PositionID:        "pos-1",
		InitialStopPrice:  21470,
		CurrentStopPrice:  21512,
		PeakPrice:         21515,
		TrailingActivated: true,
		ActivationPoints:  15,
		PullbackRatio:     0.2,
	}
	require.NoError(t, repo.UpsertRiskState(ctx, in))

	out, err := repo.FindRiskStateByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, *in, *out)

	// A stop advance overwrites the mutable columns.
	in.CurrentStopPrice = 21524
	in.PeakPrice = 21530
	in.ProtectionActivated = true
	require.NoError(t, repo.UpsertRiskState(ctx, in))

	out, err = repo.FindRiskStateByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 21524.0, out.CurrentStopPrice)
	assert.Equal(t, 21530.0, out.PeakPrice)
	assert.True(t, out.ProtectionActivated)

	missing, err := repo.FindRiskStateByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExitEventsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := &domain.ExitEvent{
		PositionID:  "pos-1",
		GroupID:     "g1",
		Product:     "TM2507",
		Reason:      domain.ReasonTrailingStop,
		FillPrice:   21512,
		FillTime:    time.Now().UTC().Truncate(time.Second),
		PeakPrice:   21515,
		RealizedPnL: 24,
		RetryCount:  2,
	}
	id, err := repo.RecordExitEvent(ctx, first)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, id, first.ID)

	second := &domain.ExitEvent{
		PositionID: "pos-1",
		GroupID:    "g1",
		Product:    "TM2507",
		Reason:     domain.ReasonFOKFailure,
		FillTime:   first.FillTime.Add(time.Minute),
		PeakPrice:  21515,
		RetryCount: 6,
	}
	_, err = repo.RecordExitEvent(ctx, second)
	require.NoError(t, err)

	events, err := repo.FindExitEventsByPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ReasonTrailingStop, events[0].Reason)
	assert.Equal(t, domain.ReasonFOKFailure, events[1].Reason)
	assert.Equal(t, 6, events[1].RetryCount)
}

func TestRecordExitEventRejectsUnknownReason(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.RecordExitEvent(context.Background(), &domain.ExitEvent{
		PositionID: "pos-1",
		GroupID:    "g1",
		Product:    "TM2507",
		Reason:     domain.ExitReason("SomethingElse"),
		FillTime:   time.Now(),
	})
	require.Error(t, err, "reason outside the closed set must violate the check constraint")
	assert.ErrorIs(t, err, ports.ErrUpsertFailed)
}
