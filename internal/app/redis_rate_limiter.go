package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var purchaseRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisPurchaseRateLimiter implements distributed rate limiting using Redis.
// It bounds how many purchase attempts one user (or one recipient number) can
// make inside a window, which blunts both abuse and runaway client retry loops.
type RedisPurchaseRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPurchaseRateLimiter(client redis.UniversalClient, prefix string) *RedisPurchaseRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "vending:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisPurchaseRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ConsumeRateLimit increments the counter for (scope, subject) and reports the
// running count and how long until the window resets. A nil limiter or
// non-positive limit disables limiting.
func (r *RedisPurchaseRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.limitKey(normalizedScope, normalizedSubject)
	rawResult, err := purchaseRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}

// ConsumePurchaseAllowance counts one purchase attempt against the caller's
// one-minute window. Purchases are keyed by the authenticated user id so a
// runaway client cannot starve other users.
func (r *RedisPurchaseRateLimiter) ConsumePurchaseAllowance(ctx context.Context, userID uuid.UUID, perMinute int) (count int, retryAfterSeconds int, err error) {
	return r.ConsumeRateLimit(ctx, "purchase", userID.String(), perMinute, time.Minute)
}

// ConsumeRecipientAllowance counts one purchase attempt against a recipient
// number, independent of which user asked. This blunts many-accounts-one-SIM
// abuse patterns.
func (r *RedisPurchaseRateLimiter) ConsumeRecipientAllowance(ctx context.Context, recipient string, perMinute int) (count int, retryAfterSeconds int, err error) {
	return r.ConsumeRateLimit(ctx, "recipient", recipient, perMinute, time.Minute)
}

func (r *RedisPurchaseRateLimiter) limitKey(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}
