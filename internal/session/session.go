// Package session owns the per-channel gateway connections. Each Session is
// a small state machine driven by a single goroutine; the Registry guarantees
// at most one live instance per (tenant, channel) key.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/gateway"
	"chatdispatch/internal/notify"
	"chatdispatch/internal/observability"
)

type Config struct {
	// ReconnectCeiling bounds consecutive failed connect attempts before the
	// session goes terminal failed.
	ReconnectCeiling int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Heartbeat        time.Duration
	SendTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 8 * time.Second
	}
	return c
}

// CredentialsFunc loads the channel's pairing material at connect time, so a
// re-paired channel picks up fresh credentials on the next reconnect.
type CredentialsFunc func(ctx context.Context) (gateway.Credentials, error)

type Session struct {
	key       domain.SessionKey
	transport gateway.Transport
	creds     CredentialsFunc
	cfg       Config
	sink      notify.Sink

	mu         sync.Mutex
	state      domain.SessionState
	conn       gateway.Conn
	attempts   int
	lastChange time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	logoutCh chan string
	stopped  chan struct{}
}

func newSession(key domain.SessionKey, transport gateway.Transport, creds CredentialsFunc, cfg Config, sink notify.Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:       key,
		transport: transport,
		creds:     creds,
		cfg:       cfg.withDefaults(),
		sink:      sink,
		state:     domain.SessionDisconnected,
		ctx:       ctx,
		cancel:    cancel,
		logoutCh:  make(chan string, 1),
		stopped:   make(chan struct{}),
	}
	return s
}

func (s *Session) Key() domain.SessionKey { return s.key }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether this instance still holds (or is establishing) the
// connection slot for its key.
func (s *Session) Live() bool {
	st := s.State()
	return st == domain.SessionConnecting || st == domain.SessionConnected
}

func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Send executes one gateway send. Valid only while connected; any other
// state returns ErrSessionNotReady immediately so the caller can requeue.
func (s *Session) Send(ctx context.Context, req gateway.SendRequest) (gateway.Ack, error) {
	s.mu.Lock()
	if s.state != domain.SessionConnected || s.conn == nil {
		s.mu.Unlock()
		return gateway.Ack{}, domain.ErrSessionNotReady
	}
	conn := s.conn
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	ack, err := conn.SendMessage(sendCtx, req)
	if err != nil {
		if le := logoutErr(err); le != nil {
			s.noteLogout(le.Reason)
		}
		return gateway.Ack{}, err
	}
	return ack, nil
}

func logoutErr(err error) *gateway.LogoutError {
	var le *gateway.LogoutError
	if errors.As(err, &le) {
		return le
	}
	return nil
}

// start launches the connect loop. Called exactly once, by the Registry.
func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	observability.SessionsLive.Inc()
	defer observability.SessionsLive.Dec()
	defer close(s.stopped)

	for {
		if !s.connectWithBackoff() {
			return
		}
		s.supervise()

		if s.ctx.Err() != nil {
			s.setState(domain.SessionDisconnected, "stopped")
			return
		}
		if s.State() == domain.SessionFailed {
			return
		}
		// transport dropped: loop back into reconnect
	}
}

// connectWithBackoff drives disconnected/connecting -> connected. Returns
// false when the session went terminal (stop, logout, ceiling exceeded).
func (s *Session) connectWithBackoff() bool {
	s.setState(domain.SessionConnecting, "")

	for {
		if s.ctx.Err() != nil {
			s.setState(domain.SessionDisconnected, "stopped")
			return false
		}

		creds, err := s.creds(s.ctx)
		if err == nil {
			var conn gateway.Conn
			conn, err = s.transport.Connect(s.ctx, creds)
			if err == nil {
				conn.SubscribeLogout(s.noteLogout)
				s.mu.Lock()
				s.conn = conn
				s.attempts = 0
				s.mu.Unlock()
				s.setState(domain.SessionConnected, "")
				observability.SessionReconnects.WithLabelValues("ok").Inc()
				return true
			}
		}

		if le := logoutErr(err); le != nil {
			// credentials revoked: operator re-pairing required, no retry
			s.setState(domain.SessionFailed, le.Reason)
			return false
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.mu.Unlock()
		observability.SessionReconnects.WithLabelValues("error").Inc()

		if attempts >= s.cfg.ReconnectCeiling {
			s.setState(domain.SessionFailed, "reconnect_ceiling_exceeded")
			return false
		}

		wait := backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempts)
		slog.Warn("session connect failed, backing off",
			"session_key", s.key.String(), "attempt", attempts, "wait", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(domain.SessionDisconnected, "stopped")
			return false
		case reason := <-s.logoutCh:
			timer.Stop()
			s.setState(domain.SessionFailed, reason)
			return false
		case <-timer.C:
		}
	}
}

// supervise watches a connected session: heartbeats, gateway logout pushes,
// explicit stop. It returns once the connection is no longer usable.
func (s *Session) supervise() {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.closeConn()
			return

		case reason := <-s.logoutCh:
			s.closeConn()
			s.setState(domain.SessionFailed, reason)
			return

		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}

			hbCtx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
			err := conn.Heartbeat(hbCtx)
			cancel()
			if err == nil {
				continue
			}

			if le := logoutErr(err); le != nil {
				s.closeConn()
				s.setState(domain.SessionFailed, le.Reason)
				return
			}

			// network drop, not a logical logout: reconnect
			slog.Warn("session heartbeat failed", "session_key", s.key.String(), "err", err)
			s.closeConn()
			return
		}
	}
}

// Stop forces the session down. Pending backoff timers are cancelled and the
// run loop exits; in-flight sends fail on their own context.
func (s *Session) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) noteLogout(reason string) {
	if reason == "" {
		reason = "gateway_logout"
	}
	select {
	case s.logoutCh <- reason:
	default:
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) setState(next domain.SessionState, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	// terminal states are sticky for this instance
	if prev.Terminal() && prev != domain.SessionDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.lastChange = time.Now()
	s.mu.Unlock()

	observability.SessionTransitions.WithLabelValues(string(next)).Inc()

	slog.Info("session state change",
		"session_key", s.key.String(), "from", string(prev), "to", string(next), "reason", reason)
	if s.sink != nil {
		s.sink.Publish(notify.SessionEvent(s.key, next, reason))
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	// +/-20% jitter keeps reconnect herds apart
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d < 0 {
		d = base
	}
	return d
}
