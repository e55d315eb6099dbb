package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRateLimiterDisabledWithoutClient(t *testing.T) {
	var limiter *RedisPurchaseRateLimiter

	count, retryAfter, err := limiter.ConsumePurchaseAllowance(context.Background(), uuid.New(), 20)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("nil limiter must be a no-op, got count=%d retry=%d err=%v", count, retryAfter, err)
	}

	limiter = NewRedisPurchaseRateLimiter(nil, "")
	count, retryAfter, err = limiter.ConsumeRateLimit(context.Background(), "purchase", "u1", 20, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("limiter without a redis client must be a no-op, got count=%d retry=%d err=%v", count, retryAfter, err)
	}
}

func TestRateLimiterPrefixNormalization(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"empty falls back to default", "", "vending:rate_limit"},
		{"trailing colon trimmed", "custom:limits:", "custom:limits"},
		{"whitespace trimmed", "  custom  ", "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewRedisPurchaseRateLimiter(nil, tt.prefix)
			if limiter.prefix != tt.want {
				t.Fatalf("expected prefix %q, got %q", tt.want, limiter.prefix)
			}
		})
	}
}

func TestRateLimiterKeysScopePurchaseAndRecipient(t *testing.T) {
	limiter := NewRedisPurchaseRateLimiter(nil, "vending:rate_limit")

	userID := uuid.New()
	if got, want := limiter.limitKey("purchase", userID.String()), "vending:rate_limit:purchase:"+userID.String(); got != want {
		t.Fatalf("expected purchase key %q, got %q", want, got)
	}
	if got, want := limiter.limitKey("recipient", "08031234567"), "vending:rate_limit:recipient:08031234567"; got != want {
		t.Fatalf("expected recipient key %q, got %q", want, got)
	}
	// The two scopes must never share a counter for the same subject string.
	if limiter.limitKey("purchase", "x") == limiter.limitKey("recipient", "x") {
		t.Fatal("purchase and recipient windows must use distinct keys")
	}
}
