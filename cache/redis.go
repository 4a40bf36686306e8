// Package cache keeps short-lived reconciliation state in Redis so several
// reconciler instances share one event guard and one attempt store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/store"
)

const (
	eventPrefix   = "reconciler:event:"
	attemptPrefix = "reconciler:attempt:"
)

// NewClient opens a Redis client and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Guard records processed notification event ids.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard returns a guard whose markers expire after ttl. The ttl should
// exceed the processor's redelivery window.
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// Seen reports whether the event id was marked and has not expired.
func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, eventPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark keeps the first marker when called twice.
func (g *Guard) Mark(ctx context.Context, eventID string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	return g.rdb.SetNX(ctx, eventPrefix+eventID, ts, g.ttl).Err()
}

// Attempts stores per-attempt correlation records with an expiry.
type Attempts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAttempts returns an attempt store whose records expire after ttl.
func NewAttempts(rdb *redis.Client, ttl time.Duration) *Attempts {
	return &Attempts{rdb: rdb, ttl: ttl}
}

// PutAttempt stores the attempt under its cart id, replacing an earlier one.
func (a *Attempts) PutAttempt(ctx context.Context, at models.Attempt) error {
	if at.CreatedAt.IsZero() {
		at.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(at)
	if err != nil {
		return err
	}
	return a.rdb.Set(ctx, attemptKey(at.CartID), data, a.ttl).Err()
}

// Attempt returns store.ErrNotFound for missing or expired attempts.
func (a *Attempts) Attempt(ctx context.Context, cartID int64) (*models.Attempt, error) {
	val, err := a.rdb.Get(ctx, attemptKey(cartID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var at models.Attempt
	if err := json.Unmarshal(val, &at); err != nil {
		return nil, err
	}
	return &at, nil
}

// ClearAttempt deletes the attempt of a cart. Clearing a missing attempt is
// not an error.
func (a *Attempts) ClearAttempt(ctx context.Context, cartID int64) error {
	return a.rdb.Del(ctx, attemptKey(cartID)).Err()
}

func attemptKey(cartID int64) string {
	return attemptPrefix + strconv.FormatInt(cartID, 10)
}
