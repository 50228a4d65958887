// Package execution turns an acquired exit intent into a submitted close
// order and chases the market on failed attempts until filled or a retry
// ceiling is hit.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/exitlock"
	"futuresRiskBot/internal/persist"
	"futuresRiskBot/internal/ports"
	"futuresRiskBot/internal/reconcile"
	"futuresRiskBot/internal/riskcache"
)

// Config holds the executor dependencies.
type Config struct {
	Broker  ports.BrokerGateway
	Matcher *reconcile.Matcher
	Locks   *exitlock.Manager
	Worker  *persist.Worker
	Logger  ports.Logger

	// MaxRetries bounds the chase. Once retryCount exceeds it, the position
	// is marked FAILED and left for the operator.
	MaxRetries int

	// OnExit, when set, is invoked after every terminal outcome (fill or
	// abandonment) with the recorded event. Called on the report goroutine.
	OnExit func(event *domain.ExitEvent)
}

// attempt is the in-flight state of one exit, keyed by the client order id
// of its latest submission.
type attempt struct {
	pos        domain.Position
	risk       domain.RiskState
	intent     domain.ExitIntent
	retryCount int
}

// Executor submits exit orders and processes their execution reports.
//
// The double-exit guard lives outside: the caller must already hold the exit
// lock before Execute, and the executor releases it only at the two terminal
// points (fill, or abandonment after the retry ceiling).
type Executor struct {
	broker     ports.BrokerGateway
	matcher    *reconcile.Matcher
	locks      *exitlock.Manager
	worker     *persist.Worker
	logger     ports.Logger
	maxRetries int

	onExit func(event *domain.ExitEvent)

	mu       sync.Mutex
	attempts map[string]*attempt // client order id -> in-flight exit
}

// NewExecutor creates an exit executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Broker == nil || cfg.Matcher == nil || cfg.Locks == nil || cfg.Worker == nil || cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Executor{
		broker:     cfg.Broker,
		matcher:    cfg.Matcher,
		locks:      cfg.Locks,
		worker:     cfg.Worker,
		logger:     cfg.Logger,
		maxRetries: cfg.MaxRetries,
		onExit:     cfg.OnExit,
		attempts:   make(map[string]*attempt),
	}, nil
}

// Execute submits the first close order for a triggered exit at the best
// available opposite-side price: the bid when closing a long, the ask when
// closing a short. The caller must hold the exit lock for the position.
func (e *Executor) Execute(ctx context.Context, trig riskcache.TriggeredExit, tick domain.Tick) (domain.ExitAttempt, error) {
	price := e.referencePrice(trig.Position.Direction, tick, 0)
	a := &attempt{pos: trig.Position, risk: trig.Risk, intent: trig.Intent}
	return e.submit(ctx, a, price)
}

// OnReport reconciles a broker report and drives the retry state machine.
// NEW acks are informational and never consume a pending order.
func (e *Executor) OnReport(ctx context.Context, report ports.ExecutionReport, tick domain.Tick) {
	if report.Status == ports.ReportNew {
		e.logger.Debug(ctx, "Order acknowledged", map[string]interface{}{"product": report.Product})
		return
	}

	matched, ok := e.matcher.Match(report)
	if !ok {
		e.logger.Warn(ctx, "Unmatched execution report dropped", map[string]interface{}{
			"status":   report.Status,
			"product":  report.Product,
			"quantity": report.Quantity,
			"price":    report.Price,
		})
		return
	}

	e.mu.Lock()
	a, known := e.attempts[matched.ClientOrderID]
	delete(e.attempts, matched.ClientOrderID)
	e.mu.Unlock()
	if !known {
		e.logger.Warn(ctx, "Matched order has no in-flight exit attempt", map[string]interface{}{
			"clientOrderID": matched.ClientOrderID})
		return
	}

	switch report.Status {
	case ports.ReportFilled:
		e.finalizeFill(ctx, a, report)
	case ports.ReportCancelled:
		e.retryOrAbandon(ctx, a, report, tick)
	}
}

// PendingAttempts returns the number of exits currently in flight.
func (e *Executor) PendingAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.attempts)
}

// submit sends one order, registers it with the reconciler and records the
// in-flight attempt. A gateway submission error is terminal: there is no
// report coming back, so the position is marked FAILED immediately.
func (e *Executor) submit(ctx context.Context, a *attempt, price float64) (domain.ExitAttempt, error) {
	clientID := uuid.NewString()
	now := time.Now()
	req := ports.OrderRequest{
		ClientOrderID: clientID,
		Product:       a.pos.Product,
		Side:          a.pos.Direction.Opposite(),
		Quantity:      a.pos.Quantity,
		Price:         price,
		FillOrKill:    true,
		SubmitTime:    now,
	}

	if err := e.broker.SubmitOrder(ctx, req); err != nil {
		e.logger.Error(ctx, err, "Exit order submission failed", map[string]interface{}{
			"positionID": a.pos.PositionID,
			"price":      price,
			"retryCount": a.retryCount,
		})
		e.abandon(ctx, a, domain.ReasonOrderFailure, now)
		return domain.ExitAttempt{
			PositionID: a.pos.PositionID,
			OrderID:    clientID,
			RetryCount: a.retryCount,
			ChasePrice: price,
			Outcome:    domain.OutcomeAbandoned,
		}, fmt.Errorf("%w: %v", ports.ErrSubmitFailed, err)
	}

	e.matcher.RegisterPending(&reconcile.PendingOrder{
		ClientOrderID: clientID,
		Product:       a.pos.Product,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		SubmitTime:    now,
	})

	e.mu.Lock()
	e.attempts[clientID] = a
	e.mu.Unlock()

	e.logger.Info(ctx, "Exit order submitted", map[string]interface{}{
		"positionID": a.pos.PositionID,
		"reason":     a.intent.Reason(),
		"price":      price,
		"retryCount": a.retryCount,
	})
	return domain.ExitAttempt{
		PositionID: a.pos.PositionID,
		OrderID:    clientID,
		RetryCount: a.retryCount,
		ChasePrice: price,
		Outcome:    domain.OutcomePending,
	}, nil
}

func (e *Executor) finalizeFill(ctx context.Context, a *attempt, report ports.ExecutionReport) {
	pos := a.pos
	pos.Status = domain.StatusExited
	pos.ExitPrice = report.Price
	pos.ExitTime = report.Time
	pos.RealizedPnL = pos.RealizedPoints(report.Price)
	pos.ExitReason = a.intent.Reason()

	event := &domain.ExitEvent{
		PositionID:  pos.PositionID,
		GroupID:     pos.GroupID,
		Product:     pos.Product,
		Reason:      pos.ExitReason,
		FillPrice:   report.Price,
		FillTime:    report.Time,
		PeakPrice:   a.risk.PeakPrice,
		RealizedPnL: pos.RealizedPnL,
		RetryCount:  a.retryCount,
	}
	e.worker.Enqueue(persist.Task{Kind: persist.TaskExitRecord, Position: &pos, Event: event})
	e.locks.Release(pos.PositionID)
	mtxExits.WithLabelValues(string(pos.ExitReason)).Inc()

	e.logger.Info(ctx, "Position exited", map[string]interface{}{
		"positionID": pos.PositionID,
		"reason":     pos.ExitReason,
		"fillPrice":  report.Price,
		"pnl":        pos.RealizedPnL,
		"retries":    a.retryCount,
	})
	if e.onExit != nil {
		e.onExit(event)
	}
}

// retryOrAbandon handles a cancellation: resubmit at a more aggressive price
// until the ceiling is hit. The chase runs synchronously in the report path;
// there is no second writer to position state.
func (e *Executor) retryOrAbandon(ctx context.Context, a *attempt, report ports.ExecutionReport, tick domain.Tick) {
	a.retryCount++
	if a.retryCount > e.maxRetries {
		reason := domain.NormalizeFailureReason(report.Reason)
		e.logger.Error(ctx, ports.ErrRetryExceeded, "Exit retry ceiling hit, abandoning", map[string]interface{}{
			"positionID": a.pos.PositionID,
			"retries":    a.retryCount,
			"reason":     reason,
		})
		e.abandon(ctx, a, reason, report.Time)
		return
	}

	price := e.referencePrice(a.pos.Direction, tick, a.retryCount)
	mtxChaseRetries.Inc()
	e.logger.Warn(ctx, "Exit order cancelled, chasing", map[string]interface{}{
		"positionID": a.pos.PositionID,
		"retryCount": a.retryCount,
		"chasePrice": price,
		"gateway":    report.Reason,
	})
	if _, err := e.submit(ctx, a, price); err != nil {
		e.logger.Error(ctx, err, "Chase resubmission failed", map[string]interface{}{"positionID": a.pos.PositionID})
	}
}

// abandon marks the position FAILED, records the terminal event and releases
// the exit lock. No further automatic action is taken.
func (e *Executor) abandon(ctx context.Context, a *attempt, reason domain.ExitReason, at time.Time) {
	pos := a.pos
	pos.Status = domain.StatusFailed
	pos.ExitReason = reason

	event := &domain.ExitEvent{
		PositionID: pos.PositionID,
		GroupID:    pos.GroupID,
		Product:    pos.Product,
		Reason:     reason,
		FillTime:   at,
		PeakPrice:  a.risk.PeakPrice,
		RetryCount: a.retryCount,
	}
	e.worker.Enqueue(persist.Task{Kind: persist.TaskExitRecord, Position: &pos, Event: event})
	e.locks.Release(pos.PositionID)
	mtxExits.WithLabelValues(string(reason)).Inc()
	if e.onExit != nil {
		e.onExit(event)
	}
}

// referencePrice is the opposite-side best price shifted by the retry count:
// a long exit chases the bid downward, a short exit chases the ask upward.
func (e *Executor) referencePrice(dir domain.Direction, tick domain.Tick, retryCount int) float64 {
	if dir == domain.Long {
		return tick.Bid - float64(retryCount)
	}
	return tick.Ask + float64(retryCount)
}
