package gateway

import (
	"context"
	"errors"
	"net"
	"time"
)

// Credentials is what a channel needs to authenticate against the gateway.
// The concrete wire protocol lives behind the Transport implementation.
type Credentials struct {
	TenantID  string
	ChannelID string
	SessionID string
	Token     string
}

type SendRequest struct {
	Recipient string
	Body      string
	MediaURL  string
	// ExternalKey travels with the send so the gateway can deduplicate a
	// replayed attempt after a crash between send and ack.
	ExternalKey string
}

type Ack struct {
	GatewayMsgID string
	AcceptedAt   time.Time
}

// Conn is one live connection to the gateway for a single channel.
type Conn interface {
	SendMessage(ctx context.Context, req SendRequest) (Ack, error)
	Heartbeat(ctx context.Context) error
	// SubscribeLogout registers a callback fired when the gateway invalidates
	// the connection's credentials. At most one callback per Conn.
	SubscribeLogout(func(reason string))
	Close() error
}

type Transport interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// LogoutError is a gateway-reported credential invalidation. It is fatal for
// the session; reconnecting would loop forever against a revoked pairing.
type LogoutError struct {
	Reason string
}

func (e *LogoutError) Error() string { return "gateway logout: " + e.Reason }

// PermanentError marks a send the gateway will never accept (bad recipient,
// policy rejection). Retrying cannot help.
type PermanentError struct {
	Code string
	Msg  string
}

func (e *PermanentError) Error() string { return "gateway rejected send: " + e.Code + ": " + e.Msg }

// ShouldRetry classifies a send/connect error as transient. Logout and
// permanent rejections are never retried; timeouts, 408/429 and 5xx are.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		var le *LogoutError
		if errors.As(err, &le) {
			return false
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return err != nil && httpStatus == 0
}

// Backoff returns the sleep before retry attempt n of a send.
func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
