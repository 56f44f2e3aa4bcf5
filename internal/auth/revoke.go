package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRevoker records, per user, the moment all earlier tokens stopped
// being valid.
type RedisRevoker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRevoker keeps revocation marks for ttl, which should be at least
// the token lifetime.
func NewRedisRevoker(rdb *redis.Client, ttl time.Duration) *RedisRevoker {
	return &RedisRevoker{rdb: rdb, ttl: ttl}
}

func revokeKey(userID uuid.UUID) string {
	return "auth:revoked_before:" + userID.String()
}

func (r *RedisRevoker) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.rdb.Set(ctx, revokeKey(userID), now, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return nil
}

// RevokedBefore returns the revocation mark, or the zero time if none.
func (r *RedisRevoker) RevokedBefore(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	v, err := r.rdb.Get(ctx, revokeKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read revocation: %w", err)
	}
	return time.Unix(v, 0), nil
}

// IsRevoked reports whether claims were issued before the user's mark.
func (r *RedisRevoker) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return true, nil
	}
	before, err := r.RevokedBefore(ctx, userID)
	if err != nil || before.IsZero() {
		return false, err
	}
	if claims.IssuedAt == nil {
		return true, nil
	}
	return !claims.IssuedAt.Time.After(before), nil
}

// NopRevoker is used when no session store is configured.
type NopRevoker struct{}

func (NopRevoker) RevokeAll(context.Context, uuid.UUID) error { return nil }

func (NopRevoker) IsRevoked(context.Context, *Claims) (bool, error) { return false, nil }
