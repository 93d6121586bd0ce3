package presence

import "errors"

// MaxExpireSeconds is the upper bound on expires_s accepted by Put/Update,
// per spec §4.1 (MAX_EXPIRES = 3900).
const MaxExpireSeconds = 3900

// Validation error kinds, per spec §7. These surface to adapters as
// engine-specific errors; an adapter maps them to a failure response.
var (
	// ErrExpireLimitExceeded is returned when expires_s is outside
	// (0, MaxExpireSeconds].
	ErrExpireLimitExceeded = errors.New("presence: expire limit exceeded")
	// ErrUnknownStatus is returned when presence_doc.status is neither
	// "online" nor "offline".
	ErrUnknownStatus = errors.New("presence: unknown status")
)
