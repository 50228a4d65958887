package ports

import (
	"context"

	"futuresRiskBot/internal/domain"
)

// TickHandler consumes one market update. It must return quickly; the feed
// delivers ticks one at a time in arrival order.
type TickHandler func(tick *domain.Tick)

// ErrorHandler receives feed errors that occur during a connection.
type ErrorHandler func(err error)

// MarketFeed streams ticks from a market data source.
type MarketFeed interface {
	// StreamTicks starts the stream. doneCh is closed when the stream has
	// fully stopped (after max reconnect attempts or a stop request); sending
	// on stopCh asks the stream to shut down.
	StreamTicks(ctx context.Context, handler TickHandler, errHandler ErrorHandler) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
