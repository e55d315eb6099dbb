/**
 * @description
 * This package provides the retry and idempotency primitives shared by the vendor
 * adapters and the purchase orchestrator: a bounded exponential-backoff-with-jitter
 * retry wrapper, a transient-error marker for the retryable predicate, and
 * idempotency key generation (random and deterministic).
 *
 * @dependencies
 * - context, crypto/sha256, errors, math/rand, time: Standard Go libraries.
 * - github.com/google/uuid: For random key generation.
 */
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Policy bounds a retry loop. Delay grows by doubling from BaseDelay up to
// MaxDelay, with +/-25% jitter applied to every sleep.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is the adapter-level policy for transient vendor errors.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Vendor adapters wrap network failures
// and 5xx responses with it; validation rejections stay unwrapped.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is a convenience formatter for marked errors.
func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether any error in the chain was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempt
// budget is exhausted. The context is honored between attempts; the last error
// is returned unwrapped so callers keep their sentinel checks.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == policy.Attempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}

// jitter spreads a delay by +/-25% so synchronized retries don't hammer a
// recovering vendor in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d) / 2 // +/-25%
	return time.Duration(int64(d) - spread/2 + rand.Int63n(spread+1))
}

// NewKey generates a random idempotency key for callers that did not supply one.
func NewKey() string {
	return "idem_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DeterministicKey derives a stable idempotency key from the logical identity of
// a purchase attempt, so an identical replayed request maps to the same key.
func DeterministicKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "idem_" + hex.EncodeToString(h.Sum(nil))[:32]
}
