// Package app wires the risk core together: ticks flow from the feed into
// the position/risk cache, triggered exits pass the dedup gate into the
// executor, broker reports come back through the reconciler, and every state
// change lands on the durable store via the persistence worker.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"futuresRiskBot/config"
	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/execution"
	"futuresRiskBot/internal/exitlock"
	"futuresRiskBot/internal/persist"
	"futuresRiskBot/internal/ports"
	"futuresRiskBot/internal/reconcile"
	"futuresRiskBot/internal/riskcache"
)

const (
	tickBuffer   = 1024
	manualBuffer = 16
)

// Deps are the collaborators injected into the service.
type Deps struct {
	Logger    ports.Logger
	Feed      ports.MarketFeed
	Broker    ports.BrokerGateway
	Matcher   *reconcile.Matcher
	Locks     *exitlock.Manager
	Cache     *riskcache.Cache
	Worker    *persist.Worker
	Positions ports.PositionRepository
	Risks     ports.RiskStateRepository
}

// RiskService runs the exit decision loop.
//
// Two logical threads: the tick consumer (this service's Start loop), which
// owns the cache and calls into the lock manager and executor synchronously,
// and the persistence worker goroutine. Nothing else mutates position or
// risk state.
type RiskService struct {
	cfg       *config.Config
	logger    ports.Logger
	feed      ports.MarketFeed
	broker    ports.BrokerGateway
	matcher   *reconcile.Matcher
	locks     *exitlock.Manager
	cache     *riskcache.Cache
	worker    *persist.Worker
	executor  *execution.Executor
	positions ports.PositionRepository
	risks     ports.RiskStateRepository

	ticks    chan *domain.Tick
	manual   chan string
	lastTick domain.Tick

	exitMu      sync.Mutex
	recentExits []*domain.ExitEvent
}

// recentExitsCap bounds the in-memory exit history kept for RecentExits.
const recentExitsCap = 100

// NewRiskService creates the service and its executor.
func NewRiskService(cfg *config.Config, deps Deps) (*RiskService, error) {
	if cfg == nil || deps.Logger == nil || deps.Feed == nil || deps.Broker == nil ||
		deps.Matcher == nil || deps.Locks == nil || deps.Cache == nil || deps.Worker == nil ||
		deps.Positions == nil || deps.Risks == nil {
		return nil, fmt.Errorf("missing required dependencies for RiskService")
	}

	s := &RiskService{
		cfg:       cfg,
		logger:    deps.Logger,
		feed:      deps.Feed,
		broker:    deps.Broker,
		matcher:   deps.Matcher,
		locks:     deps.Locks,
		cache:     deps.Cache,
		worker:    deps.Worker,
		positions: deps.Positions,
		risks:     deps.Risks,
		ticks:     make(chan *domain.Tick, tickBuffer),
		manual:    make(chan string, manualBuffer),
	}

	executor, err := execution.NewExecutor(execution.Config{
		Broker:     deps.Broker,
		Matcher:    deps.Matcher,
		Locks:      deps.Locks,
		Worker:     deps.Worker,
		Logger:     deps.Logger,
		MaxRetries: cfg.MaxExitRetries,
		OnExit:     s.handleExitEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	s.executor = executor
	return s, nil
}

// Start begins the decision loop and blocks until the context is cancelled
// or the feed stops permanently.
func (s *RiskService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting risk service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Administrative reset: no lock may survive a restart.
	s.locks.ClearAll()

	if err := s.recoverState(ctx); err != nil {
		return fmt.Errorf("failed to recover persisted state: %w", err)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	go s.worker.Run(workerCtx)

	feedDone, feedStop, err := s.feed.StreamTicks(ctx, s.enqueueTick, s.handleFeedError)
	if err != nil {
		stopWorker()
		return fmt.Errorf("failed to start market feed: %w", err)
	}
	s.logger.Info(ctx, "Market feed streaming")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-feedDone:
			runErr = fmt.Errorf("market feed stopped unexpectedly")
			s.logger.Error(ctx, runErr, "Feed terminated, shutting down")
			break loop
		case tick := <-s.ticks:
			s.handleTick(ctx, tick)
		case report := <-s.broker.Reports():
			s.executor.OnReport(ctx, report, s.lastTick)
		case positionID := <-s.manual:
			s.handleManual(ctx, positionID)
		}
	}

	// Stop the feed first so no new work arrives, then let the worker drain.
	select {
	case feedStop <- struct{}{}:
	default:
	}
	select {
	case <-feedDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn(ctx, "Timeout waiting for market feed to shut down")
	}

	stopWorker()
	select {
	case <-s.worker.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn(ctx, "Timeout waiting for persistence worker to drain")
	}

	s.logger.Info(ctx, "Risk service stopped")
	return runErr
}

// enqueueTick is the feed callback. It must return in microseconds, so the
// tick is handed to the service loop without blocking; when the loop is
// behind, the update is dropped with a warning rather than backpressuring
// the feed.
func (s *RiskService) enqueueTick(tick *domain.Tick) {
	select {
	case s.ticks <- tick:
	default:
		s.logger.Warn(context.Background(), "Tick buffer full, dropping market update")
	}
}

func (s *RiskService) handleFeedError(err error) {
	s.logger.Error(context.Background(), err, "Market feed error reported")
}

// handleTick runs one pass of the decision loop.
func (s *RiskService) handleTick(ctx context.Context, tick *domain.Tick) {
	if tick == nil {
		return
	}
	if err := tick.Validate(); err == nil {
		s.lastTick = *tick
	}

	for _, trig := range s.cache.OnTick(tick) {
		s.dispatchExit(ctx, trig, "tick")
	}
	s.flushRiskStates()
}

// dispatchExit gates a triggered exit through the deduplicator and submits
// it. Every close path, stop triggers and manual overrides alike, funnels
// through here.
func (s *RiskService) dispatchExit(ctx context.Context, trig riskcache.TriggeredExit, source string) error {
	id := trig.Position.PositionID
	if !s.locks.TryAcquire(id, source+":"+string(trig.Intent.Reason())) {
		s.logger.Warn(ctx, "Exit already in flight, dropping trigger", map[string]interface{}{
			"positionID": id,
			"reason":     trig.Intent.Reason(),
			"source":     source,
		})
		return fmt.Errorf("%w: %s", ports.ErrLockHeld, id)
	}
	if _, err := s.executor.Execute(ctx, trig, s.lastTick); err != nil {
		// The executor has already marked the position FAILED and released
		// the lock; nothing to retry from here.
		s.logger.Error(ctx, err, "Exit submission failed terminally", map[string]interface{}{"positionID": id})
		return err
	}
	return nil
}

func (s *RiskService) handleManual(ctx context.Context, positionID string) {
	// Without a valid tick there is no reference price to submit at; the
	// position stays cached and the operator retries once data flows.
	if err := s.lastTick.Validate(); err != nil {
		s.logger.Warn(ctx, "No market data yet, ignoring manual close", map[string]interface{}{
			"positionID": positionID})
		return
	}
	trig, ok := s.cache.ManualExit(positionID)
	if !ok {
		s.logger.Warn(ctx, "Manual close for unknown or already exiting position", map[string]interface{}{
			"positionID": positionID})
		return
	}
	s.dispatchExit(ctx, trig, "manual")
}

// handleExitEvent reacts to terminal exits: a profitable fill tightens the
// stops of the sibling lots in the same group. Runs on the service loop.
func (s *RiskService) handleExitEvent(event *domain.ExitEvent) {
	if event == nil {
		return
	}
	s.exitMu.Lock()
	s.recentExits = append(s.recentExits, event)
	if len(s.recentExits) > recentExitsCap {
		s.recentExits = s.recentExits[len(s.recentExits)-recentExitsCap:]
	}
	s.exitMu.Unlock()

	switch event.Reason {
	case domain.ReasonFOKFailure, domain.ReasonOrderFailure:
		return
	}
	if event.RealizedPnL <= 0 || event.GroupID == "" {
		return
	}
	if n := s.cache.TightenGroup(event.GroupID, s.cfg.ProtectMultiplier); n > 0 {
		s.logger.Info(context.Background(), "Protective stops tightened after profitable exit", map[string]interface{}{
			"group":     event.GroupID,
			"tightened": n,
		})
		s.flushRiskStates()
	}
}

// flushRiskStates persists risk states whose stops or flags moved.
func (s *RiskService) flushRiskStates() {
	for _, risk := range s.cache.DrainDirty() {
		r := risk
		s.worker.Enqueue(persist.Task{Kind: persist.TaskRiskStateUpsert, Risk: &r})
	}
}

// OnNewPosition registers a freshly filled position with the risk core.
// Called once per fill confirmation by the order-entry subsystem. Zero risk
// parameters are filled from configuration defaults.
func (s *RiskService) OnNewPosition(pos *domain.Position, risk *domain.RiskState) error {
	if pos == nil {
		return ports.ErrInvalidRequest
	}
	if risk == nil {
		risk = &domain.RiskState{PositionID: pos.PositionID}
	}
	if risk.InitialStopPrice == 0 {
		if pos.Direction == domain.Long {
			risk.InitialStopPrice = pos.EntryPrice - s.cfg.InitialStopPoints
		} else {
			risk.InitialStopPrice = pos.EntryPrice + s.cfg.InitialStopPoints
		}
	}
	if risk.ActivationPoints == 0 {
		risk.ActivationPoints = s.cfg.ActivationPoints
	}
	if risk.PullbackRatio == 0 {
		risk.PullbackRatio = s.cfg.PullbackRatio
	}

	if err := s.cache.OnNewPosition(pos, risk); err != nil {
		return err
	}

	p := *pos
	r := *risk
	s.worker.Enqueue(persist.Task{Kind: persist.TaskPositionFillUpdate, Position: &p})
	s.worker.Enqueue(persist.Task{Kind: persist.TaskRiskStateUpsert, Risk: &r})
	return nil
}

// ManualClose requests an operator-initiated close of a position. The
// request is processed on the decision loop so it passes the same exit gate
// as stop triggers.
func (s *RiskService) ManualClose(positionID string) error {
	if positionID == "" {
		return ports.ErrInvalidRequest
	}
	select {
	case s.manual <- positionID:
		return nil
	default:
		return fmt.Errorf("manual close queue full for position %s", positionID)
	}
}

// GetStats returns the persistence worker counters for monitoring.
func (s *RiskService) GetStats() persist.Stats {
	return s.worker.GetStats()
}

// RecentExits returns the terminal exit events seen this session, oldest
// first, capped at the last hundred.
func (s *RiskService) RecentExits() []*domain.ExitEvent {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	out := make([]*domain.ExitEvent, len(s.recentExits))
	copy(out, s.recentExits)
	return out
}

// recoverState reloads ACTIVE positions and their risk states into the
// cache after a restart. A position without a complete risk state is left
// out of the cache and flagged for the operator.
func (s *RiskService) recoverState(ctx context.Context) error {
	active, err := s.positions.FindActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	recovered := 0
	for _, pos := range active {
		risk, err := s.risks.FindRiskStateByID(ctx, pos.PositionID)
		if err != nil {
			return fmt.Errorf("failed to load risk state for %s: %w", pos.PositionID, err)
		}
		if risk == nil {
			s.logger.Error(ctx, ports.ErrIncompleteRiskState, "Active position has no risk state, skipping recovery", map[string]interface{}{
				"positionID": pos.PositionID})
			continue
		}
		if err := s.cache.OnNewPosition(pos, risk); err != nil {
			s.logger.Error(ctx, err, "Failed to recover position into cache", map[string]interface{}{
				"positionID": pos.PositionID})
			continue
		}
		recovered++
	}
	s.logger.Info(ctx, "State recovered", map[string]interface{}{"active": len(active), "cached": recovered})
	return nil
}
