package ports

import (
	"context"
	"time"

	"futuresRiskBot/internal/domain"
)

// ReportStatus is the status carried by a broker execution report.
type ReportStatus string

const (
	ReportNew       ReportStatus = "NEW"
	ReportFilled    ReportStatus = "FILLED"
	ReportCancelled ReportStatus = "CANCELLED"
)

// OrderRequest is a close-order submission to the broker gateway.
type OrderRequest struct {
	ClientOrderID string
	Product       string // raw contract code, e.g. "TM2507"
	Side          domain.Direction
	Quantity      int
	Price         float64
	FillOrKill    bool
	SubmitTime    time.Time
}

// ExecutionReport is an asynchronous report from the gateway. The gateway
// does not reliably echo ClientOrderID, so reports are matched by
// product/price/quantity/time instead.
type ExecutionReport struct {
	Status   ReportStatus
	Product  string
	Side     domain.Direction
	Quantity int
	Price    float64 // fill price; zero for cancellations
	Time     time.Time
	Reason   string // free-text cancellation reason from the gateway
}

// BrokerGateway accepts order submissions and delivers execution reports.
// The concrete wire format is an adapter concern.
type BrokerGateway interface {
	// SubmitOrder sends an order to the gateway. A nil error means accepted
	// for processing, not filled; the outcome arrives on Reports.
	SubmitOrder(ctx context.Context, req OrderRequest) error
	// Reports returns the channel on which execution reports are delivered.
	Reports() <-chan ExecutionReport
}
