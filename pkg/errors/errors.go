// Package apperrors defines the sentinel errors for the keeper's error
// taxonomy (spec kinds, not exception classes).
package apperrors

import "errors"

var (
	// Transient venue error: timeout, 5xx, rate-limit. Adapters retry these
	// internally with backoff; they only propagate after retries exhaust.
	ErrVenueTransient = errors.New("transient venue error")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrVenueDown      = errors.New("venue unavailable")

	// Not-found / already-cancelled: treated as success by callers, slot
	// force-cleared rather than retried.
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")

	// Partial fill / timeout, escalated through the Guardian tiers.
	ErrFillTimeout   = errors.New("fill wait timed out")
	ErrPartialFill   = errors.New("order partially filled")
	ErrOrderRejected = errors.New("order rejected")

	// Asymmetric fill: recovered via single-leg protocol or nuclear close.
	ErrAsymmetricFill = errors.New("asymmetric fill across legs")

	// State divergence (phantom / orphan / drift): venue truth is adopted,
	// the divergence is logged, never silently ignored.
	ErrStateDrift   = errors.New("position state drift")
	ErrOrphanLeg    = errors.New("orphaned leg")
	ErrPhantomState = errors.New("phantom state")

	// Configuration / invariant violation: fail loud, never degrade silently.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrSameVenueLegs      = errors.New("both legs would be placed on the same venue")
	ErrInvalidConfig      = errors.New("invalid configuration")

	// Circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// Locking.
	ErrLockHeld     = errors.New("lock already held")
	ErrLockNotHeld  = errors.New("lock not held by this thread")

	// Generic collaborator-not-implemented for optional VenueAdapter methods.
	ErrNotSupported = errors.New("operation not supported by venue")

	// No current funding rate available for a venue/symbol pair.
	ErrNoFundingData = errors.New("no funding data available")
)
