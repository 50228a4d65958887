// Package persist applies state mutations to durable storage off the
// decision-loop thread. Enqueue never blocks the caller; a short-lived
// read-through cache keeps recent state visible to readers while the write
// is still in flight.
package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// TaskKind discriminates the three persistence task shapes.
type TaskKind string

const (
	TaskPositionFillUpdate TaskKind = "PositionFillUpdate"
	TaskRiskStateUpsert    TaskKind = "RiskStateUpsert"
	TaskExitRecord         TaskKind = "ExitRecord"
)

// Task is one state change bound for the durable store. Payload fields are
// value copies taken at enqueue time, so the worker never reads live state.
type Task struct {
	Kind       TaskKind
	Position   *domain.Position
	Risk       *domain.RiskState
	Event      *domain.ExitEvent
	EnqueuedAt time.Time

	seq     uint64
	retries int
}

// Stats is a snapshot of the worker counters for the stats query interface.
type Stats struct {
	Total     uint64
	Completed uint64
	Failed    uint64
	Dropped   uint64
	CacheHits uint64
	QueueSize int
	QueuePeak int
}

// Config holds the worker dependencies and tuning.
type Config struct {
	Positions ports.PositionRepository
	Risks     ports.RiskStateRepository
	Events    ports.ExitEventRepository
	Logger    ports.Logger

	// QueueCapacity bounds the task queue. Zero means the default (1024).
	QueueCapacity int
	// CacheTTL bounds the lifetime of read-through cache entries.
	CacheTTL time.Duration
	// MaxWriteRetries is how often a failing write is re-enqueued before the
	// task is abandoned.
	MaxWriteRetries int
}

type cachedPosition struct {
	pos       domain.Position
	seq       uint64
	expiresAt time.Time
}

type cachedRisk struct {
	risk      domain.RiskState
	seq       uint64
	expiresAt time.Time
}

// Worker drains the task queue onto the durable store on its own goroutine.
type Worker struct {
	positions ports.PositionRepository
	risks     ports.RiskStateRepository
	events    ports.ExitEventRepository
	logger    ports.Logger

	tasks           chan Task
	cacheTTL        time.Duration
	maxWriteRetries int
	retryDelay      *backoff.Backoff

	mu        sync.Mutex
	posCache  map[string]cachedPosition
	riskCache map[string]cachedRisk

	seq       uint64
	total     uint64
	completed uint64
	failed    uint64
	dropped   uint64
	cacheHits uint64
	queuePeak int64

	done chan struct{}
}

// NewWorker creates a persistence worker. Run must be started separately.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Positions == nil || cfg.Risks == nil || cfg.Events == nil || cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.MaxWriteRetries <= 0 {
		cfg.MaxWriteRetries = 3
	}
	return &Worker{
		positions:       cfg.Positions,
		risks:           cfg.Risks,
		events:          cfg.Events,
		logger:          cfg.Logger,
		tasks:           make(chan Task, cfg.QueueCapacity),
		cacheTTL:        cfg.CacheTTL,
		maxWriteRetries: cfg.MaxWriteRetries,
		retryDelay: &backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		posCache:  make(map[string]cachedPosition),
		riskCache: make(map[string]cachedRisk),
		done:      make(chan struct{}),
	}, nil
}

// Enqueue hands a task to the worker without ever blocking the caller. When
// the queue is full the oldest task is dropped and logged. The task's effect
// is written to the read-through cache immediately, so concurrent readers
// see it before the write lands.
func (w *Worker) Enqueue(task Task) {
	task.seq = atomic.AddUint64(&w.seq, 1)
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	atomic.AddUint64(&w.total, 1)
	mtxTasks.WithLabelValues(string(task.Kind)).Inc()

	w.cacheApply(task)
	w.send(task)
	w.trackDepth()
}

// send performs the non-blocking enqueue with the drop-oldest policy.
func (w *Worker) send(task Task) {
	select {
	case w.tasks <- task:
		return
	default:
	}
	// Queue full: make room by dropping the oldest task, then retry once.
	select {
	case old := <-w.tasks:
		atomic.AddUint64(&w.dropped, 1)
		mtxDropped.Inc()
		// The dropped write will never land; its cache entry must not
		// outlive it. The seq check leaves newer entries untouched.
		w.cacheInvalidate(old)
		w.logger.Warn(context.Background(), "Persistence queue full, dropped oldest task", map[string]interface{}{
			"droppedKind": old.Kind,
			"enqueuedAt":  old.EnqueuedAt,
		})
	default:
	}
	select {
	case w.tasks <- task:
	default:
		// Consumer outran us between the drop and the send; count the task
		// as failed rather than blocking the decision loop.
		atomic.AddUint64(&w.failed, 1)
		mtxFailed.Inc()
		w.cacheInvalidate(task)
		w.logger.Error(context.Background(), ports.ErrQueueFull, "Failed to enqueue persistence task", map[string]interface{}{"kind": task.Kind})
	}
}

func (w *Worker) trackDepth() {
	depth := int64(len(w.tasks))
	mtxQueueDepth.Set(float64(depth))
	for {
		peak := atomic.LoadInt64(&w.queuePeak)
		if depth <= peak || atomic.CompareAndSwapInt64(&w.queuePeak, peak, depth) {
			return
		}
	}
}

// Run is the single consumer loop. It drains remaining tasks after the
// context is cancelled so a clean shutdown does not lose enqueued work.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case task := <-w.tasks:
			w.apply(ctx, task)
			mtxQueueDepth.Set(float64(len(w.tasks)))
		case <-ctx.Done():
			for {
				select {
				case task := <-w.tasks:
					w.apply(context.Background(), task)
				default:
					w.logger.Info(context.Background(), "Persistence worker drained and stopped")
					return
				}
			}
		}
	}
}

// Done is closed once Run has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// apply writes one task to the durable store, re-enqueueing with backoff on
// failure. A cache hit served after a failed write is the specific ghost
// read this component guards against: the entry is kept for the retry cycle
// and invalidated once the task is abandoned.
func (w *Worker) apply(ctx context.Context, task Task) {
	var err error
	switch task.Kind {
	case TaskPositionFillUpdate:
		err = w.positions.UpsertPosition(ctx, task.Position)
	case TaskRiskStateUpsert:
		err = w.risks.UpsertRiskState(ctx, task.Risk)
	case TaskExitRecord:
		if err = w.positions.UpsertPosition(ctx, task.Position); err == nil {
			_, err = w.events.RecordExitEvent(ctx, task.Event)
		}
	default:
		w.logger.Error(ctx, ports.ErrInvalidRequest, "Unknown persistence task kind", map[string]interface{}{"kind": task.Kind})
		return
	}

	if err == nil {
		atomic.AddUint64(&w.completed, 1)
		mtxCompleted.Inc()
		w.retryDelay.Reset()
		w.cacheDrop(task)
		return
	}

	task.retries++
	if task.retries <= w.maxWriteRetries {
		delay := w.retryDelay.Duration()
		w.logger.Warn(ctx, "Persistence write failed, re-enqueueing", map[string]interface{}{
			"kind":    task.Kind,
			"retries": task.retries,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		// Extend the cache entry so readers do not fall back to the stale
		// durable row while the retry is pending.
		w.cacheExtend(task)
		time.Sleep(delay)
		w.send(task)
		return
	}

	atomic.AddUint64(&w.failed, 1)
	mtxFailed.Inc()
	// Invalidate the cache entry: a ghost read must not outlive the true
	// persisted state once the write is abandoned.
	w.cacheInvalidate(task)
	w.logger.Error(ctx, err, "Persistence task abandoned after retries", map[string]interface{}{
		"kind":    task.Kind,
		"retries": task.retries,
	})
}

// --- read-through cache ---

func (w *Worker) cacheApply(task Task) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	switch task.Kind {
	case TaskPositionFillUpdate, TaskExitRecord:
		if task.Position != nil {
			w.posCache[task.Position.PositionID] = cachedPosition{
				pos: *task.Position, seq: task.seq, expiresAt: now.Add(w.cacheTTL),
			}
		}
	case TaskRiskStateUpsert:
		if task.Risk != nil {
			w.riskCache[task.Risk.PositionID] = cachedRisk{
				risk: *task.Risk, seq: task.seq, expiresAt: now.Add(w.cacheTTL),
			}
		}
	}
}

// cacheDrop removes the entry once its task is durably written, unless a
// newer enqueue has replaced it in the meantime.
func (w *Worker) cacheDrop(task Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task.Position != nil {
		if c, ok := w.posCache[task.Position.PositionID]; ok && c.seq == task.seq {
			delete(w.posCache, task.Position.PositionID)
		}
	}
	if task.Risk != nil {
		if c, ok := w.riskCache[task.Risk.PositionID]; ok && c.seq == task.seq {
			delete(w.riskCache, task.Risk.PositionID)
		}
	}
}

func (w *Worker) cacheExtend(task Task) {
	expires := time.Now().Add(w.cacheTTL)
	w.mu.Lock()
	defer w.mu.Unlock()
	if task.Position != nil {
		if c, ok := w.posCache[task.Position.PositionID]; ok && c.seq == task.seq {
			c.expiresAt = expires
			w.posCache[task.Position.PositionID] = c
		}
	}
	if task.Risk != nil {
		if c, ok := w.riskCache[task.Risk.PositionID]; ok && c.seq == task.seq {
			c.expiresAt = expires
			w.riskCache[task.Risk.PositionID] = c
		}
	}
}

func (w *Worker) cacheInvalidate(task Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task.Position != nil {
		if c, ok := w.posCache[task.Position.PositionID]; ok && c.seq == task.seq {
			delete(w.posCache, task.Position.PositionID)
		}
	}
	if task.Risk != nil {
		if c, ok := w.riskCache[task.Risk.PositionID]; ok && c.seq == task.seq {
			delete(w.riskCache, task.Risk.PositionID)
		}
	}
}

// GetCachedPosition returns the most recent view of a position: the cache
// entry when one is live, otherwise a synchronous read from the store.
func (w *Worker) GetCachedPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	w.mu.Lock()
	if c, ok := w.posCache[positionID]; ok && time.Now().Before(c.expiresAt) {
		pos := c.pos
		w.mu.Unlock()
		atomic.AddUint64(&w.cacheHits, 1)
		mtxCacheHits.Inc()
		return &pos, nil
	}
	w.mu.Unlock()
	return w.positions.FindPositionByID(ctx, positionID)
}

// GetCachedRiskState is the risk-state counterpart of GetCachedPosition.
func (w *Worker) GetCachedRiskState(ctx context.Context, positionID string) (*domain.RiskState, error) {
	w.mu.Lock()
	if c, ok := w.riskCache[positionID]; ok && time.Now().Before(c.expiresAt) {
		risk := c.risk
		w.mu.Unlock()
		atomic.AddUint64(&w.cacheHits, 1)
		mtxCacheHits.Inc()
		return &risk, nil
	}
	w.mu.Unlock()
	return w.risks.FindRiskStateByID(ctx, positionID)
}

// GetStats returns a snapshot of the worker counters.
func (w *Worker) GetStats() Stats {
	return Stats{
		Total:     atomic.LoadUint64(&w.total),
		Completed: atomic.LoadUint64(&w.completed),
		Failed:    atomic.LoadUint64(&w.failed),
		Dropped:   atomic.LoadUint64(&w.dropped),
		CacheHits: atomic.LoadUint64(&w.cacheHits),
		QueueSize: len(w.tasks),
		QueuePeak: int(atomic.LoadInt64(&w.queuePeak)),
	}
}
