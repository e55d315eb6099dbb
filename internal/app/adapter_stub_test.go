package app

import (
	"context"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/pkg/vendors"
)

// adapterStub is a configurable in-memory vendor adapter for tests.
type adapterStub struct {
	name                  string
	completesAfterTimeout bool
	purchaseFn            func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error)
	queryFn               func(ctx context.Context, reference string) (*vendor.Outcome, error)
	balanceFn             func(ctx context.Context) (*vendor.Balance, error)
	plansFn               func(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error)
}

func (a *adapterStub) Name() string                            { return a.name }
func (a *adapterStub) Authenticate(ctx context.Context) error  { return nil }
func (a *adapterStub) IsAuthenticated() bool                   { return true }
func (a *adapterStub) CompletesAfterTimeout() bool             { return a.completesAfterTimeout }

func (a *adapterStub) Balance(ctx context.Context) (*vendor.Balance, error) {
	if a.balanceFn != nil {
		return a.balanceFn(ctx)
	}
	return &vendor.Balance{Amount: 1_000_000_00, Currency: "NGN"}, nil
}

func (a *adapterStub) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	if a.plansFn != nil {
		return a.plansFn(ctx, service, network)
	}
	return nil, nil
}

func (a *adapterStub) Purchase(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
	if a.purchaseFn != nil {
		return a.purchaseFn(ctx, req)
	}
	return &vendor.Outcome{Status: vendor.StatusCompleted, RawStatus: "successful", VendorRef: "stub_ref"}, nil
}

func (a *adapterStub) QueryTransaction(ctx context.Context, reference string) (*vendor.Outcome, error) {
	if a.queryFn != nil {
		return a.queryFn(ctx, reference)
	}
	return &vendor.Outcome{Status: vendor.StatusCompleted, RawStatus: "successful"}, nil
}
