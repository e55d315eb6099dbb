package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/google/uuid"
)

func int64p(v int64) *int64 { return &v }

func marginRule(vendor string, network domain.Network, marginType string, value int64) domain.MarginRule {
	return domain.MarginRule{
		ID:        uuid.New(),
		Service:   domain.ServiceAirtime,
		Vendor:    vendor,
		Network:   network,
		Type:      marginType,
		Value:     value,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestPriceForSpecificity(t *testing.T) {
	// Rules arrive from the repository newest-first.
	rules := []domain.MarginRule{
		marginRule("vtpass", domain.NetworkMTN, domain.MarginFixed, 50_00),
		marginRule("vtpass", "", domain.MarginFixed, 40_00),
		marginRule("", domain.NetworkMTN, domain.MarginFixed, 30_00),
		marginRule("", "", domain.MarginFixed, 20_00),
	}
	repo := &repoStub{
		listMarginRulesFn: func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
			return rules, nil
		},
	}
	engine := NewPricingEngine(repo)

	tests := []struct {
		name       string
		network    domain.Network
		vendor     string
		wantProfit int64
	}{
		{"vendor and network beats all", domain.NetworkMTN, "vtpass", 50_00},
		{"vendor-only beats network-only", domain.NetworkGlo, "vtpass", 40_00},
		{"network-only beats global", domain.NetworkMTN, "gsubz", 30_00},
		{"global is the fallback", domain.NetworkGlo, "gsubz", 20_00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := engine.PriceFor(context.Background(), domain.ServiceAirtime, tt.network, tt.vendor, 1000_00)
			if err != nil {
				t.Fatalf("PriceFor returned error: %v", err)
			}
			if price.Profit != tt.wantProfit {
				t.Fatalf("expected profit %d, got %d", tt.wantProfit, price.Profit)
			}
			if price.SellPrice != 1000_00+tt.wantProfit {
				t.Fatalf("expected sell price %d, got %d", 1000_00+tt.wantProfit, price.SellPrice)
			}
		})
	}
}

func TestPriceForPercentageTruncates(t *testing.T) {
	repo := &repoStub{
		listMarginRulesFn: func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
			return []domain.MarginRule{marginRule("", "", domain.MarginPercentage, 3)}, nil
		},
	}
	engine := NewPricingEngine(repo)

	// 3% of 999 kobo is 29.97; integer math truncates to 29.
	price, err := engine.PriceFor(context.Background(), domain.ServiceAirtime, domain.NetworkMTN, "vtpass", 999)
	if err != nil {
		t.Fatalf("PriceFor returned error: %v", err)
	}
	if price.Profit != 29 {
		t.Fatalf("expected profit 29, got %d", price.Profit)
	}
}

func TestPriceForCostRangeFilter(t *testing.T) {
	inRange := marginRule("", "", domain.MarginFixed, 10_00)
	inRange.MinAmount = int64p(500_00)
	inRange.MaxAmount = int64p(2000_00)

	repo := &repoStub{
		listMarginRulesFn: func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
			return []domain.MarginRule{inRange}, nil
		},
	}
	engine := NewPricingEngine(repo)

	if _, err := engine.PriceFor(context.Background(), domain.ServiceAirtime, domain.NetworkMTN, "vtpass", 1000_00); err != nil {
		t.Fatalf("in-range cost should price: %v", err)
	}
	_, err := engine.PriceFor(context.Background(), domain.ServiceAirtime, domain.NetworkMTN, "vtpass", 100_00)
	if !errors.Is(err, ErrNoPricingRule) {
		t.Fatalf("expected ErrNoPricingRule for out-of-range cost, got %v", err)
	}
}

func TestPriceForNewestWinsAmongEquals(t *testing.T) {
	newer := marginRule("", "", domain.MarginFixed, 15_00)
	older := marginRule("", "", domain.MarginFixed, 25_00)
	older.CreatedAt = newer.CreatedAt.Add(-time.Hour)

	repo := &repoStub{
		listMarginRulesFn: func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
			return []domain.MarginRule{newer, older}, nil
		},
	}
	engine := NewPricingEngine(repo)

	price, err := engine.PriceFor(context.Background(), domain.ServiceAirtime, domain.NetworkMTN, "vtpass", 1000_00)
	if err != nil {
		t.Fatalf("PriceFor returned error: %v", err)
	}
	if price.Profit != 15_00 {
		t.Fatalf("expected the newer rule's profit 1500, got %d", price.Profit)
	}
}
