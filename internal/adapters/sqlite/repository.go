package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the position, risk-state and exit-event repository
// ports using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/risk_core.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode: the persistence worker writes while stats queries read.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		position_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		lot_index INTEGER NOT NULL,
		product TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		realized_pnl REAL DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_states (
		position_id TEXT PRIMARY KEY,
		initial_stop REAL NOT NULL,
		current_stop REAL NOT NULL,
		peak_price REAL NOT NULL,
		trailing_activated INTEGER NOT NULL DEFAULT 0,
		protection_activated INTEGER NOT NULL DEFAULT 0,
		activation_points REAL NOT NULL,
		pullback_ratio REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		product TEXT NOT NULL,
		reason TEXT NOT NULL CHECK (reason IN
			('InitialStop','TrailingStop','ProtectiveStop','Manual','FOKFailure','OrderFailure')),
		fill_price REAL NOT NULL,
		fill_time TIMESTAMP NOT NULL,
		peak_price REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		retry_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status, entry_time);
	CREATE INDEX IF NOT EXISTS idx_exit_events_position ON exit_events (position_id, fill_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository implementation ---

// UpsertPosition inserts or replaces the stored position.
func (r *Repository) UpsertPosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO positions (position_id, group_id, lot_index, product, direction, entry_price,
	                       quantity, entry_time, status, exit_price, exit_time, realized_pnl, exit_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(position_id) DO UPDATE SET
		status = excluded.status,
		exit_price = excluded.exit_price,
		exit_time = excluded.exit_time,
		realized_pnl = excluded.realized_pnl,
		exit_reason = excluded.exit_reason`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}
	var exitReason sql.NullString
	if pos.ExitReason != "" {
		exitReason = sql.NullString{String: string(pos.ExitReason), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		pos.PositionID, pos.GroupID, pos.LotIndex, pos.Product, pos.Direction, pos.EntryPrice,
		pos.Quantity, pos.EntryTime, pos.Status, pos.ExitPrice, exitTime, pos.RealizedPnL, exitReason)
	if err != nil {
		return fmt.Errorf("%w: position %s: %v", ports.ErrUpsertFailed, pos.PositionID, err)
	}
	r.logger.Debug(ctx, "Position upserted", map[string]interface{}{"positionID": pos.PositionID, "status": pos.Status})
	return nil
}

// FindPositionByID retrieves a position by its id. Returns nil, nil if not found.
func (r *Repository) FindPositionByID(ctx context.Context, positionID string) (*domain.Position, error) {
	const query = `
	SELECT position_id, group_id, lot_index, product, direction, entry_price, quantity,
	       entry_time, status, COALESCE(exit_price, 0), exit_time, COALESCE(realized_pnl, 0), exit_reason
	FROM positions
	WHERE position_id = ?`

	row := r.db.QueryRowContext(ctx, query, positionID)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: position %s: %v", ports.ErrQueryFailed, positionID, err)
	}
	return pos, nil
}

// FindActivePositions retrieves all ACTIVE positions, earliest entry first.
func (r *Repository) FindActivePositions(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT position_id, group_id, lot_index, product, direction, entry_price, quantity,
	       entry_time, status, COALESCE(exit_price, 0), exit_time, COALESCE(realized_pnl, 0), exit_reason
	FROM positions
	WHERE status = ?
	ORDER BY entry_time ASC`

	rows, err := r.db.QueryContext(ctx, query, domain.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: active positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindActivePositions: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- RiskStateRepository implementation ---

// UpsertRiskState inserts or replaces the stored risk state.
func (r *Repository) UpsertRiskState(ctx context.Context, state *domain.RiskState) error {
	const query = `
	INSERT INTO risk_states (position_id, initial_stop, current_stop, peak_price,
	                         trailing_activated, protection_activated, activation_points, pullback_ratio)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(position_id) DO UPDATE SET
		current_stop = excluded.current_stop,
		peak_price = excluded.peak_price,
		trailing_activated = excluded.trailing_activated,
		protection_activated = excluded.protection_activated`

	_, err := r.db.ExecContext(ctx, query,
		state.PositionID, state.InitialStopPrice, state.CurrentStopPrice, state.PeakPrice,
		state.TrailingActivated, state.ProtectionActivated, state.ActivationPoints, state.PullbackRatio)
	if err != nil {
		return fmt.Errorf("%w: risk state %s: %v", ports.ErrUpsertFailed, state.PositionID, err)
	}
	r.logger.Debug(ctx, "Risk state upserted", map[string]interface{}{"positionID": state.PositionID, "stop": state.CurrentStopPrice})
	return nil
}

// FindRiskStateByID retrieves the risk state for a position. Returns nil, nil if not found.
func (r *Repository) FindRiskStateByID(ctx context.Context, positionID string) (*domain.RiskState, error) {
	const query = `
	SELECT position_id, initial_stop, current_stop, peak_price,
	       trailing_activated, protection_activated, activation_points, pullback_ratio
	FROM risk_states
	WHERE position_id = ?`

	state := &domain.RiskState{}
	err := r.db.QueryRowContext(ctx, query, positionID).Scan(
		&state.PositionID, &state.InitialStopPrice, &state.CurrentStopPrice, &state.PeakPrice,
		&state.TrailingActivated, &state.ProtectionActivated, &state.ActivationPoints, &state.PullbackRatio)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: risk state %s: %v", ports.ErrQueryFailed, positionID, err)
	}
	return state, nil
}

// --- ExitEventRepository implementation ---

// RecordExitEvent saves an exit event and returns its assigned ID.
func (r *Repository) RecordExitEvent(ctx context.Context, event *domain.ExitEvent) (int64, error) {
	const query = `
	INSERT INTO exit_events (position_id, group_id, product, reason, fill_price,
	                         fill_time, peak_price, realized_pnl, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		event.PositionID, event.GroupID, event.Product, event.Reason, event.FillPrice,
		event.FillTime, event.PeakPrice, event.RealizedPnL, event.RetryCount)
	if err != nil {
		return 0, fmt.Errorf("%w: exit event for position %s: %v", ports.ErrUpsertFailed, event.PositionID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for exit event %s: %w", event.PositionID, err)
	}
	event.ID = id
	r.logger.Debug(ctx, "Exit event recorded", map[string]interface{}{"eventID": id, "positionID": event.PositionID, "reason": event.Reason})
	return id, nil
}

// FindExitEventsByPosition retrieves the exit events for a position.
func (r *Repository) FindExitEventsByPosition(ctx context.Context, positionID string) ([]*domain.ExitEvent, error) {
	const query = `
	SELECT id, position_id, group_id, product, reason, fill_price, fill_time,
	       peak_price, realized_pnl, retry_count
	FROM exit_events
	WHERE position_id = ? ORDER BY fill_time ASC`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("%w: exit events for position %s: %v", ports.ErrQueryFailed, positionID, err)
	}
	defer rows.Close()

	events := make([]*domain.ExitEvent, 0)
	for rows.Next() {
		ev := &domain.ExitEvent{}
		var reason string
		if err := rows.Scan(&ev.ID, &ev.PositionID, &ev.GroupID, &ev.Product, &reason,
			&ev.FillPrice, &ev.FillTime, &ev.PeakPrice, &ev.RealizedPnL, &ev.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan exit event: %w", err)
		}
		ev.Reason = domain.ExitReason(reason)
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exit event rows: %w", err)
	}
	return events, nil
}

// --- Helper scan functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var direction, status string
	var exitTime sql.NullTime
	var exitReason sql.NullString
	err := s.Scan(
		&p.PositionID, &p.GroupID, &p.LotIndex, &p.Product, &direction, &p.EntryPrice,
		&p.Quantity, &p.EntryTime, &status, &p.ExitPrice, &exitTime, &p.RealizedPnL, &exitReason)
	if err != nil {
		return nil, err // handle sql.ErrNoRows in the caller
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if exitReason.Valid {
		p.ExitReason = domain.ExitReason(exitReason.String)
	}
	return p, nil
}
