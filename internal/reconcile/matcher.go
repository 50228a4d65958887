// Package reconcile associates unsolicited broker execution reports with
// previously submitted orders. The gateway does not reliably echo client
// order ids, so matching goes by product, quantity, price and time instead,
// with the earliest-submitted candidate winning.
package reconcile

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// PendingStatus is the lifecycle of a registered order awaiting its report.
type PendingStatus string

const (
	StatusPending   PendingStatus = "PENDING"
	StatusMatched   PendingStatus = "MATCHED"
	StatusCancelled PendingStatus = "CANCELLED"
)

// PendingOrder is an order submitted to the gateway and not yet reconciled.
type PendingOrder struct {
	ClientOrderID     string
	Product           string // raw contract code as submitted
	NormalizedProduct string
	Side              domain.Direction
	Quantity          int
	Price             float64
	SubmitTime        time.Time
	Status            PendingStatus
}

// Config holds the matcher tuning. The window and tolerance were tuned
// empirically against observed slippage and are environment-dependent.
type Config struct {
	// Window is how long a pending order stays matchable after submission.
	Window time.Duration
	// PriceTolerance is the maximum fill-price deviation, in points.
	PriceTolerance float64
	Logger         ports.Logger
}

// Matcher keeps a FIFO list of pending orders and matches reports against it.
type Matcher struct {
	mu             sync.Mutex
	pending        []*PendingOrder // ordered by SubmitTime, earliest first
	window         time.Duration
	priceTolerance float64
	logger         ports.Logger
}

// NewMatcher creates an order reconciler.
func NewMatcher(cfg Config) (*Matcher, error) {
	if cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = 10
	}
	return &Matcher{
		pending:        make([]*PendingOrder, 0, 16),
		window:         cfg.Window,
		priceTolerance: cfg.PriceTolerance,
		logger:         cfg.Logger,
	}, nil
}

// RegisterPending adds an order to the time-ordered pending list.
func (m *Matcher) RegisterPending(order *PendingOrder) {
	if order == nil || order.ClientOrderID == "" {
		return
	}
	order.NormalizedProduct = NormalizeProduct(order.Product)
	order.Status = StatusPending

	m.mu.Lock()
	defer m.mu.Unlock()

	// Insert keeping SubmitTime order; submissions arrive nearly sorted so
	// scanning from the back is cheap.
	i := len(m.pending)
	for i > 0 && m.pending[i-1].SubmitTime.After(order.SubmitTime) {
		i--
	}
	m.pending = append(m.pending, nil)
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = order
}

// Match finds the pending order a report belongs to and removes it from the
// list. Returns nil, false when no candidate satisfies every predicate; the
// caller logs that as an unmatched report rather than failing.
//
// Cancellation reports match by normalized product and time window only,
// since a cancelled order carries no fill price. Fill reports additionally
// require exact quantity and price within tolerance. In both cases the
// earliest-submitted candidate wins: the broker does not guarantee
// order-preserving acknowledgement, so FIFO is the deliberate tie-break.
func (m *Matcher) Match(report ports.ExecutionReport) (*PendingOrder, bool) {
	product := NormalizeProduct(report.Product)
	refTime := report.Time
	if refTime.IsZero() {
		refTime = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked(refTime)

	for i, p := range m.pending {
		if p.NormalizedProduct != product {
			continue
		}
		if report.Status != ports.ReportCancelled {
			if p.Quantity != report.Quantity {
				continue
			}
			if math.Abs(p.Price-report.Price) > m.priceTolerance {
				continue
			}
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		if report.Status == ports.ReportCancelled {
			p.Status = StatusCancelled
		} else {
			p.Status = StatusMatched
		}
		return p, true
	}
	return nil, false
}

// PendingCount returns the number of unexpired registered orders.
func (m *Matcher) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// purgeExpiredLocked drops orders outside the match window. Caller holds m.mu.
func (m *Matcher) purgeExpiredLocked(refTime time.Time) {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if refTime.Sub(p.SubmitTime) <= m.window {
			kept = append(kept, p)
		} else {
			m.logger.Warn(context.Background(), "Expiring unmatched pending order", map[string]interface{}{
				"clientOrderID": p.ClientOrderID,
				"product":       p.Product,
				"submitTime":    p.SubmitTime,
			})
		}
	}
	m.pending = kept
}

// NormalizeProduct collapses a contract-month-specific code to its generic
// root, e.g. "TM2507" -> "TM0000". Codes without a digit suffix pass through
// unchanged.
func NormalizeProduct(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	i := 0
	for i < len(code) && (code[i] < '0' || code[i] > '9') {
		i++
	}
	if i == 0 || i == len(code) {
		return code
	}
	for j := i; j < len(code); j++ {
		if code[j] < '0' || code[j] > '9' {
			return code
		}
	}
	return code[:i] + "0000"
}
