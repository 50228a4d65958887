// Package broker provides an in-process paper implementation of the broker
// gateway port: submissions are acked and then filled or FOK-cancelled, with
// execution reports delivered asynchronously like a real gateway.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresRiskBot/internal/ports"
)

const reportBuffer = 256

// Config holds the paper gateway settings.
type Config struct {
	Logger ports.Logger
}

// PaperGateway simulates broker behavior for local runs and tests.
type PaperGateway struct {
	logger  ports.Logger
	reports chan ports.ExecutionReport

	mu         sync.Mutex
	cancelNext int
	cancelWhy  string
}

// New creates a paper gateway.
func New(cfg Config) (*PaperGateway, error) {
	if cfg.Logger == nil {
		return nil, ports.ErrConfigurationError
	}
	return &PaperGateway{
		logger:  cfg.Logger,
		reports: make(chan ports.ExecutionReport, reportBuffer),
	}, nil
}

// CancelNextOrders makes the next n submissions come back cancelled with the
// given free-text reason, simulating FOK misses or rejections.
func (g *PaperGateway) CancelNextOrders(n int, reason string) {
	g.mu.Lock()
	g.cancelNext = n
	g.cancelWhy = reason
	g.mu.Unlock()
}

// SubmitOrder acks the order and emits its outcome report.
func (g *PaperGateway) SubmitOrder(ctx context.Context, req ports.OrderRequest) error {
	if req.Product == "" || req.Quantity <= 0 || req.Price <= 0 {
		return fmt.Errorf("%w: product/quantity/price required", ports.ErrInvalidRequest)
	}

	g.mu.Lock()
	cancel := g.cancelNext > 0
	reason := g.cancelWhy
	if cancel {
		g.cancelNext--
	}
	g.mu.Unlock()

	now := time.Now()
	g.emit(ports.ExecutionReport{
		Status:   ports.ReportNew,
		Product:  req.Product,
		Side:     req.Side,
		Quantity: req.Quantity,
		Time:     now,
	})

	if cancel {
		g.emit(ports.ExecutionReport{
			Status:   ports.ReportCancelled,
			Product:  req.Product,
			Side:     req.Side,
			Quantity: req.Quantity,
			Time:     now,
			Reason:   reason,
		})
		return nil
	}

	g.emit(ports.ExecutionReport{
		Status:   ports.ReportFilled,
		Product:  req.Product,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Time:     now,
	})
	return nil
}

// Reports returns the execution report channel.
func (g *PaperGateway) Reports() <-chan ports.ExecutionReport {
	return g.reports
}

func (g *PaperGateway) emit(report ports.ExecutionReport) {
	select {
	case g.reports <- report:
	default:
		g.logger.Warn(context.Background(), "Paper gateway report buffer full, dropping report", map[string]interface{}{
			"status":  report.Status,
			"product": report.Product,
		})
	}
}
