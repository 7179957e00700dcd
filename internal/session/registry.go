package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/gateway"
	"chatdispatch/internal/notify"
	"chatdispatch/internal/store"
)

// CredentialSource reads channel pairing material, typically the pg store.
type CredentialSource interface {
	ChannelCredentials(ctx context.Context, tenantID, channelID string) (store.ChannelCredentials, bool, error)
}

// Registry is the process-wide table of live sessions. All lifecycle
// mutation goes through Acquire/Release/Stop, each atomic per key.
type Registry struct {
	Transport   gateway.Transport
	Credentials CredentialSource
	Cfg         Config
	Sink        notify.Sink
	// IdleGrace is how long a fully released session stays connected before
	// idle teardown reclaims it.
	IdleGrace time.Duration

	mu      sync.Mutex
	entries map[domain.SessionKey]*entry
	closed  bool
}

type entry struct {
	s         *Session
	refs      int
	idleTimer *time.Timer
}

// Acquire returns the live session for key, creating and starting one when
// none exists or the previous instance went terminal. Concurrent callers for
// the same key observe the same instance.
func (r *Registry) Acquire(ctx context.Context, key domain.SessionKey) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrSessionStopped
	}
	if r.entries == nil {
		r.entries = make(map[domain.SessionKey]*entry)
	}

	e, ok := r.entries[key]
	if ok && e.s.Live() {
		e.refs++
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		return e.s, nil
	}
	if ok {
		// previous instance is terminal; retire it before replacing
		r.removeLocked(key, e)
	}

	s := newSession(key, r.Transport, r.credentialsFunc(key), r.Cfg, r.Sink)
	r.entries[key] = &entry{s: s, refs: 1}
	s.start()
	slog.Info("session created", "session_key", key.String())
	return s, nil
}

// Release drops one acquire reference. When the last reference goes, the
// session stays up for IdleGrace and is then torn down. Not a failure path.
func (r *Registry) Release(key domain.SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 || r.IdleGrace <= 0 {
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(r.IdleGrace, func() { r.reapIdle(key) })
}

func (r *Registry) reapIdle(key domain.SessionKey) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	r.removeLocked(key, e)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.s.Stop(ctx)
	slog.Info("session idle teardown", "session_key", key.String())
}

// Stop forcibly disconnects and removes the session for key. Used on tenant
// or channel deactivation.
func (r *Registry) Stop(ctx context.Context, key domain.SessionKey) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		r.removeLocked(key, e)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return e.s.Stop(ctx)
}

// Shutdown tears down every session; the registry refuses new acquires.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for key, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		wg.Add(1)
		go func(key domain.SessionKey, s *Session) {
			defer wg.Done()
			_ = s.Stop(ctx)
		}(key, e.s)
	}
	wg.Wait()
}

// removeLocked unlinks an entry; callers hold r.mu.
func (r *Registry) removeLocked(key domain.SessionKey, e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	delete(r.entries, key)
}

func (r *Registry) credentialsFunc(key domain.SessionKey) CredentialsFunc {
	return func(ctx context.Context) (gateway.Credentials, error) {
		c, found, err := r.Credentials.ChannelCredentials(ctx, key.TenantID, key.ChannelID)
		if err != nil {
			return gateway.Credentials{}, err
		}
		if !found || !c.Enabled {
			// nothing to reconnect against until the operator re-pairs
			return gateway.Credentials{}, &gateway.LogoutError{Reason: "channel_not_paired"}
		}
		return gateway.Credentials{
			TenantID:  c.TenantID,
			ChannelID: c.ChannelID,
			SessionID: c.SessionID,
			Token:     c.Token,
		}, nil
	}
}
