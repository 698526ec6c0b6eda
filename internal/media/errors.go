// ABOUTME: Sentinel errors shared across engine components
// ABOUTME: Matched with errors.Is after fmt.Errorf %w wrapping
package media

import "errors"

var (
	// ErrInvalidOperation is a caller error (empty enqueue, unknown
	// player, out-of-range move). Surfaced immediately, never retried.
	ErrInvalidOperation = errors.New("invalid queue operation")

	// ErrProviderUnavailable means a provider session is down or missing.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrNotFound means the referenced item does not exist at the provider.
	ErrNotFound = errors.New("item not found")

	// ErrAuthExpired means the provider session needs re-authentication.
	ErrAuthExpired = errors.New("provider auth expired")

	// ErrConnectionLost means a player or provider link dropped.
	ErrConnectionLost = errors.New("connection lost")

	// ErrStreamExhausted means too many consecutive items failed to resolve.
	ErrStreamExhausted = errors.New("stream exhausted")

	// ErrBackpressureRejected means a bounded queue refused new work.
	// The caller may retry later; no state was changed.
	ErrBackpressureRejected = errors.New("backpressure: queue full")

	// ErrUnsupported means the target player lacks the required capability.
	ErrUnsupported = errors.New("unsupported by player")
)
