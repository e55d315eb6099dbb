package vtpass

import (
	"context"
	"testing"

	"github.com/billpoint/vending-service/pkg/vendors"
)

func TestOutcomeFromPay(t *testing.T) {
	c := NewClient(Config{})

	tests := []struct {
		name       string
		resp       payResponse
		wantStatus vendor.Status
	}{
		{
			name: "delivered maps to completed",
			resp: func() payResponse {
				var r payResponse
				r.Code = "000"
				r.Content.Transactions.Status = "delivered"
				r.Content.Transactions.TransactionID = "vt_123"
				return r
			}(),
			wantStatus: vendor.StatusCompleted,
		},
		{
			name: "unknown content status stays pending",
			resp: func() payResponse {
				var r payResponse
				r.Code = "000"
				r.Content.Transactions.Status = "mystery"
				return r
			}(),
			wantStatus: vendor.StatusPending,
		},
		{
			name: "099 is processing",
			resp: func() payResponse {
				var r payResponse
				r.Code = "099"
				return r
			}(),
			wantStatus: vendor.StatusProcessing,
		},
		{
			name: "rejection code fails",
			resp: func() payResponse {
				var r payResponse
				r.Code = "016"
				r.ResponseDescription = "TRANSACTION FAILED"
				return r
			}(),
			wantStatus: vendor.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := c.outcomeFromPay(&tt.resp)
			if out.Status != tt.wantStatus {
				t.Fatalf("expected %q, got %q", tt.wantStatus, out.Status)
			}
		})
	}
}

func TestSimulationModeShortCircuits(t *testing.T) {
	c := NewClient(Config{Simulate: true})

	out, err := c.Purchase(context.Background(), vendor.PurchaseRequest{Reference: "ref-1"})
	if err != nil {
		t.Fatalf("simulated purchase returned error: %v", err)
	}
	if !out.Simulated {
		t.Fatal("simulated purchase must be tagged")
	}
	if !c.IsAuthenticated() {
		t.Fatal("simulation mode must report authenticated")
	}
}
