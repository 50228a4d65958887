package ports

import "errors"

// Standard application-level errors.
// Adapters and core components wrap underlying errors with these so callers
// can branch on errors.Is without knowing the infrastructure.
var (
	// General
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Risk cache
	ErrIncompleteRiskState = errors.New("risk state is missing required fields")
	ErrPositionExists      = errors.New("position already cached")

	// Exit gate
	ErrLockHeld = errors.New("exit lock already held for position")

	// Broker / execution
	ErrSubmitFailed  = errors.New("failed to submit order to gateway")
	ErrRetryExceeded = errors.New("exit retry ceiling exceeded")

	// Feed
	ErrFeedClosed       = errors.New("market feed connection closed")
	ErrConnectionFailed = errors.New("failed to connect to market feed")

	// Persistence
	ErrQueueFull    = errors.New("persistence queue at capacity")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpsertFailed = errors.New("database upsert failed")
)
