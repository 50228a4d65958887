// Package exitlock provides the time-windowed per-position exit gate.
//
// Every path that may close a position (stop triggers, manual overrides)
// must pass TryAcquire before submitting an order, so at most one exit
// order per position id is ever in flight.
package exitlock

import (
	"context"
	"sync"
	"time"

	"futuresRiskBot/internal/ports"
)

const defaultMaxEntries = 256

// Lock records who acquired the gate for a position and when.
type Lock struct {
	AcquiredAt    time.Time
	TriggerSource string
}

// Config holds the manager settings.
type Config struct {
	// TTL after which an unreleased lock is treated as absent. This bounds
	// the damage of a crashed execution path without explicit cleanup.
	TTL time.Duration
	// MaxEntries bounds the lock map. Zero means the default.
	MaxEntries int
	Logger     ports.Logger
}

// Manager is the single synchronization point between the risk cache's
// atomic-removal guarantee and any other path that might independently
// decide to close the same position.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]Lock
	ttl        time.Duration
	maxEntries int
	logger     ports.Logger
	now        func() time.Time // overridable in tests
}

// NewManager creates an exit lock manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Manager{
		locks:      make(map[string]Lock),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// TryAcquire succeeds only if no unexpired lock exists for the position id.
// Expiry is checked lazily here rather than by a background sweeper, to
// avoid a third concurrent writer to the map.
func (m *Manager) TryAcquire(positionID, triggerSource string) bool {
	if positionID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.locks[positionID]; ok {
		if now.Sub(existing.AcquiredAt) < m.ttl {
			return false
		}
		// Stale lock from a crashed execution path; claim it.
		m.logger.Warn(context.Background(), "Reclaiming expired exit lock", map[string]interface{}{
			"positionID": positionID,
			"heldBy":     existing.TriggerSource,
			"age":        now.Sub(existing.AcquiredAt).String(),
		})
	}

	if len(m.locks) >= m.maxEntries {
		m.sweepExpiredLocked(now)
		if _, held := m.locks[positionID]; !held && len(m.locks) >= m.maxEntries {
			m.logger.Warn(context.Background(), "Exit lock map at capacity, refusing acquire", map[string]interface{}{
				"positionID": positionID,
				"capacity":   m.maxEntries,
			})
			return false
		}
	}

	m.locks[positionID] = Lock{AcquiredAt: now, TriggerSource: triggerSource}
	return true
}

// Release removes the lock for a position. Idempotent.
func (m *Manager) Release(positionID string) {
	m.mu.Lock()
	delete(m.locks, positionID)
	m.mu.Unlock()
}

// ClearAll resets the lock map. Administrative use only, at startup/shutdown.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.locks = make(map[string]Lock)
	m.mu.Unlock()
}

// HeldBy reports the trigger source currently holding an unexpired lock.
func (m *Manager) HeldBy(positionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[positionID]
	if !ok || m.now().Sub(l.AcquiredAt) >= m.ttl {
		return "", false
	}
	return l.TriggerSource, true
}

// Snapshot returns a copy of the current lock map for diagnostics.
func (m *Manager) Snapshot() map[string]Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Lock, len(m.locks))
	for id, l := range m.locks {
		out[id] = l
	}
	return out
}

// sweepExpiredLocked drops expired entries. Caller holds m.mu.
func (m *Manager) sweepExpiredLocked(now time.Time) {
	for id, l := range m.locks {
		if now.Sub(l.AcquiredAt) >= m.ttl {
			delete(m.locks, id)
		}
	}
}
