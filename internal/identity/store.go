// Package identity resolves the long-lived visitor id and the rolling session
// id of a tracking agent.
package identity

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/tracker/internal/logging"
)

const (
	DefaultVisitorTTL     = 365 * 24 * time.Hour
	DefaultSessionTimeout = 30 * time.Minute

	visitorKey      = "visitor_id"
	sessionKey      = "session_id"
	lastActivityKey = "last_activity"
)

// Options tune a Store. Zero values fall back to the defaults above.
type Options struct {
	VisitorTTL     time.Duration
	SessionTimeout time.Duration
	// KeyPrefix namespaces keys so several sites can share one backend.
	KeyPrefix string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Store resolves identifiers against a durable and a volatile backend. Any
// backend failure switches that side to process memory for the remaining
// lifetime of the Store; callers never see an error.
type Store struct {
	mu sync.Mutex

	durable  Storage
	volatile Storage

	durableDegraded  bool
	volatileDegraded bool
	fallbackDurable  *MemoryStorage
	fallbackVolatile *MemoryStorage

	visitorTTL     time.Duration
	sessionTimeout time.Duration
	prefix         string
	now            func() time.Time
	logger         *slog.Logger
}

// NewStore builds a Store. A nil volatile backend means process memory.
func NewStore(durable, volatile Storage, opts Options) *Store {
	s := &Store{
		durable:          durable,
		volatile:         volatile,
		fallbackDurable:  NewMemoryStorage(),
		fallbackVolatile: NewMemoryStorage(),
		visitorTTL:       opts.VisitorTTL,
		sessionTimeout:   opts.SessionTimeout,
		prefix:           opts.KeyPrefix,
		now:              opts.Now,
		logger:           opts.Logger,
	}
	if s.visitorTTL <= 0 {
		s.visitorTTL = DefaultVisitorTTL
	}
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = DefaultSessionTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.durable == nil {
		s.durableDegraded = true
	}
	if s.volatile == nil {
		s.volatile = s.fallbackVolatile
	}
	return s
}

// NewID returns a random UUID-v4 string.
func NewID() string {
	return uuid.NewString()
}

// ResolveVisitorID returns the persisted visitor id, creating and persisting
// one when none exists.
func (s *Store) ResolveVisitorID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.prefix + visitorKey
	if id, ok := s.getDurable(ctx, key); ok && id != "" {
		return id
	}
	id := NewID()
	s.setDurable(ctx, key, id, s.visitorTTL)
	return id
}

// ResolveOrRolloverSession returns the active session id, replacing it when
// the last recorded activity is older than the session timeout. Every call
// refreshes the activity timestamp and the session key's expiry.
func (s *Store) ResolveOrRolloverSession(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sessionID, hasSession := s.getVolatile(ctx, s.prefix+sessionKey)
	rawLast, hasLast := s.getVolatile(ctx, s.prefix+lastActivityKey)

	expired := true
	if hasSession && sessionID != "" && hasLast {
		if last, err := strconv.ParseInt(rawLast, 10, 64); err == nil {
			expired = now.Sub(time.UnixMilli(last)) > s.sessionTimeout
		}
	}
	if expired {
		sessionID = NewID()
	}
	// Both keys are rewritten so their expiry follows the last activity, not
	// the start of the session.
	s.setVolatile(ctx, s.prefix+sessionKey, sessionID)
	s.setVolatile(ctx, s.prefix+lastActivityKey, strconv.FormatInt(now.UnixMilli(), 10))
	return sessionID
}

// Degraded reports whether either backend has fallen back to memory.
func (s *Store) Degraded() (durable, volatile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durableDegraded, s.volatileDegraded
}

func (s *Store) getDurable(ctx context.Context, key string) (string, bool) {
	if !s.durableDegraded {
		v, ok, err := s.durable.Get(ctx, key)
		if err == nil {
			return v, ok
		}
		s.degradeDurable(err)
	}
	v, ok, _ := s.fallbackDurable.Get(ctx, key)
	return v, ok
}

func (s *Store) setDurable(ctx context.Context, key, value string, ttl time.Duration) {
	if !s.durableDegraded {
		err := s.durable.Set(ctx, key, value, ttl)
		if err == nil {
			return
		}
		s.degradeDurable(err)
	}
	_ = s.fallbackDurable.Set(ctx, key, value, 0)
}

func (s *Store) getVolatile(ctx context.Context, key string) (string, bool) {
	if !s.volatileDegraded {
		v, ok, err := s.volatile.Get(ctx, key)
		if err == nil {
			return v, ok
		}
		s.degradeVolatile(err)
	}
	v, ok, _ := s.fallbackVolatile.Get(ctx, key)
	return v, ok
}

func (s *Store) setVolatile(ctx context.Context, key, value string) {
	if !s.volatileDegraded {
		err := s.volatile.Set(ctx, key, value, s.sessionTimeout)
		if err == nil {
			return
		}
		s.degradeVolatile(err)
	}
	_ = s.fallbackVolatile.Set(ctx, key, value, 0)
}

func (s *Store) degradeDurable(err error) {
	s.durableDegraded = true
	s.logger.Debug("durable identity storage unavailable, using memory", "error", err)
}

func (s *Store) degradeVolatile(err error) {
	s.volatileDegraded = true
	s.logger.Debug("volatile identity storage unavailable, using memory", "error", err)
}
