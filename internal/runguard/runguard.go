// Package runguard keeps two schedulers from running the same daily batch.
//
// The guard only saves duplicate work. The (listing, date) unique key still
// decides whether a listing is charged.
package runguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	defaultKeyPrefix = "billing:daily-charge:"
	defaultTTL       = 23 * time.Hour
)

// ErrMissingClient indicates construction without a redis client.
var ErrMissingClient = errors.New("runguard: redis client is required")

// Client is the subset of go-redis the guard needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard acquires one lease per charge date.
type Guard struct {
	client Client
	prefix string
	ttl    time.Duration
	owner  string
}

// Option tweaks a Guard.
type Option func(*Guard)

// WithTTL overrides the lease lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(guard *Guard) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			guard.prefix = trimmed
		}
	}
}

// New builds a Guard. owner is stored as the lease value for operators.
func New(client Client, owner string, options ...Option) (*Guard, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	guard := &Guard{client: client, prefix: defaultKeyPrefix, ttl: defaultTTL, owner: strings.TrimSpace(owner)}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard, nil
}

// Acquire returns true when this process owns the run for date.
func (guard *Guard) Acquire(ctx context.Context, date billing.ChargeDate) (bool, error) {
	acquired, err := guard.client.SetNX(ctx, guard.key(date), guard.owner, guard.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("runguard: acquire %s: %w", date, err)
	}
	return acquired, nil
}

// Release drops the lease so a failed run can be retried the same day.
func (guard *Guard) Release(ctx context.Context, date billing.ChargeDate) error {
	if err := guard.client.Del(ctx, guard.key(date)).Err(); err != nil {
		return fmt.Errorf("runguard: release %s: %w", date, err)
	}
	return nil
}

func (guard *Guard) key(date billing.ChargeDate) string {
	return guard.prefix + date.String()
}
