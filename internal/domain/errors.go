package domain

import "errors"

var (
	// ErrSessionNotReady is returned by Session.Send outside the connected
	// state. Callers must not block on it; the dispatcher requeues with a
	// short backoff instead.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrLogoutRequired marks a session whose credentials the gateway has
	// invalidated. No automatic retry; the operator has to re-pair the channel.
	ErrLogoutRequired = errors.New("logout required")

	// ErrDuplicateJob rejects an enqueue whose externalKey already exists in a
	// non-terminal job for the same tenant.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrSendPermanent marks a gateway-reported permanent send failure
	// (invalid recipient and the like). The job fails without retry.
	ErrSendPermanent = errors.New("permanent send failure")

	ErrSessionStopped   = errors.New("session stopped")
	ErrJobNotFound      = errors.New("job not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrMissingFields    = errors.New("missing required fields")
)
