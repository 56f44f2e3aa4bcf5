package xui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"fastraygram/pkg/logging"
)

// SessionCookie is the name of the panel's session cookie.
const SessionCookie = "3x-ui"

type Session struct {
	Cookie    string    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) validAt(now time.Time) bool {
	return s.Cookie != "" && now.Before(s.ExpiresAt)
}

// SessionStore shares a panel session between processes.
type SessionStore interface {
	Load(ctx context.Context) (Session, bool, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// sessionCache holds the current panel session. Concurrent refreshes are
// collapsed into one login call.
type sessionCache struct {
	mu      sync.Mutex
	current Session
	store   SessionStore
	group   singleflight.Group
	now     func() time.Time
}

func newSessionCache(store SessionStore) *sessionCache {
	return &sessionCache{store: store, now: time.Now}
}

// valid returns the cached session if it has not expired, consulting the
// shared store when the local copy is stale.
func (s *sessionCache) valid(ctx context.Context) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.current.validAt(now) {
		return s.current, true
	}
	if s.store == nil {
		return Session{}, false
	}
	shared, ok, err := s.store.Load(ctx)
	if err != nil {
		logging.Errorf("Failed to load shared panel session: %v", err)
		return Session{}, false
	}
	if !ok || !shared.validAt(now) {
		return Session{}, false
	}
	s.current = shared
	return shared, true
}

func (s *sessionCache) set(ctx context.Context, sess Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(ctx, sess); err != nil {
			logging.Errorf("Failed to share panel session: %v", err)
		}
	}
}

func (s *sessionCache) invalidate(ctx context.Context) {
	s.mu.Lock()
	s.current = Session{}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Clear(ctx); err != nil {
			logging.Errorf("Failed to clear shared panel session: %v", err)
		}
	}
}

// refresh runs fn once for all concurrent callers.
func (s *sessionCache) refresh(ctx context.Context, fn func() (Session, error)) (Session, error) {
	v, err, _ := s.group.Do("login", func() (any, error) {
		if sess, ok := s.valid(ctx); ok {
			return sess, nil
		}
		sess, err := fn()
		if err != nil {
			return Session{}, err
		}
		s.set(ctx, sess)
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

type RedisSessionStore struct {
	rdb *redis.Client
	key string
}

func NewRedisSessionStore(rdb *redis.Client, key string) *RedisSessionStore {
	if key == "" {
		key = "xui:session"
	}
	return &RedisSessionStore{rdb: rdb, key: key}
}

func (r *RedisSessionStore) Load(ctx context.Context) (Session, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, false, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, true, nil
}

func (r *RedisSessionStore) Save(ctx context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return r.rdb.Set(ctx, r.key, raw, ttl).Err()
}

func (r *RedisSessionStore) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}
