package channel

import "errors"

var (
	// ErrAlreadyInitialized indicates a second initialize call for the same channel.
	ErrAlreadyInitialized = errors.New("channel: already initialized")
	// ErrNotInitialized indicates an operation against an unknown channel.
	ErrNotInitialized = errors.New("channel: not initialized")
	// ErrInvalidAddress indicates a zero-address argument.
	ErrInvalidAddress = errors.New("channel: invalid address")
	// ErrAuthorization indicates a signature that recovers to the wrong party.
	ErrAuthorization = errors.New("channel: authorization invalid")
	// ErrNothingToSettle indicates the cumulative target is already met.
	ErrNothingToSettle = errors.New("channel: nothing to settle")
	// ErrExitAlreadyPending indicates a second exit request while one is pending.
	ErrExitAlreadyPending = errors.New("channel: exit already pending")
	// ErrExitValidityWindow indicates validUntil/timelock ordering is violated.
	ErrExitValidityWindow = errors.New("channel: exit validity window invalid")
	// ErrExitNotReady indicates finalize before the timelock height or with no
	// request pending.
	ErrExitNotReady = errors.New("channel: exit not ready")
	// ErrInsufficientAmount indicates the transactor fee exceeds the gross amount.
	ErrInsufficientAmount = errors.New("channel: amount below transactor fee")
	// ErrInsufficientFunds indicates the channel custody cannot cover a payout.
	ErrInsufficientFunds = errors.New("channel: insufficient channel balance")
)
