package domain

import (
	"fmt"
	"time"
)

// Tick is a single market update from the feed.
type Tick struct {
	Bid      float64
	Ask      float64
	Close    float64 // Last traded price
	Quantity int     // Traded volume of the update
	Time     time.Time
}

// Validate rejects malformed ticks before they reach the decision loop.
func (t *Tick) Validate() error {
	if t.Close <= 0 {
		return fmt.Errorf("tick has non-positive close %.2f", t.Close)
	}
	if t.Bid <= 0 || t.Ask <= 0 {
		return fmt.Errorf("tick has non-positive bid/ask %.2f/%.2f", t.Bid, t.Ask)
	}
	if t.Bid > t.Ask {
		return fmt.Errorf("tick has crossed book: bid %.2f > ask %.2f", t.Bid, t.Ask)
	}
	return nil
}
