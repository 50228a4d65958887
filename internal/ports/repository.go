package ports

import (
	"context"

	"futuresRiskBot/internal/domain"
)

// PositionRepository stores positions keyed by position id.
type PositionRepository interface {
	// UpsertPosition inserts or replaces the stored position.
	UpsertPosition(ctx context.Context, pos *domain.Position) error
	// FindPositionByID retrieves a position by id. Returns nil, nil if not found.
	FindPositionByID(ctx context.Context, positionID string) (*domain.Position, error)
	// FindActivePositions retrieves all positions with status ACTIVE,
	// ordered by entry time ascending.
	FindActivePositions(ctx context.Context) ([]*domain.Position, error)
}

// RiskStateRepository stores the per-position risk state records.
type RiskStateRepository interface {
	// UpsertRiskState inserts or replaces the stored risk state.
	UpsertRiskState(ctx context.Context, state *domain.RiskState) error
	// FindRiskStateByID retrieves the risk state for a position.
	// Returns nil, nil if not found.
	FindRiskStateByID(ctx context.Context, positionID string) (*domain.RiskState, error)
}

// ExitEventRepository appends terminal exit records.
type ExitEventRepository interface {
	// RecordExitEvent saves an exit event and returns its assigned ID.
	RecordExitEvent(ctx context.Context, event *domain.ExitEvent) (int64, error)
	// FindExitEventsByPosition retrieves the exit events for a position,
	// ordered by fill time ascending.
	FindExitEventsByPosition(ctx context.Context, positionID string) ([]*domain.ExitEvent, error)
}
