/**
 * @description
 * This file implements the pricing engine. Given a vendor cost price, it selects
 * the most specific active margin rule for the purchase and produces the sell
 * price charged to the user's wallet. Margin rules are admin-managed data, so
 * the engine re-reads them per purchase rather than caching.
 *
 * @notes
 * - Specificity order: vendor+network > vendor-only > network-only > global.
 *   Among rules of equal specificity the newest wins.
 * - All arithmetic is integer kobo. Percentage margins use whole percents and
 *   truncate toward zero, so the profit is never overstated.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/store"
)

var ErrNoPricingRule = errors.New("no margin rule matches this purchase")

// PricingEngine computes sell prices from vendor cost prices.
type PricingEngine struct {
	repo store.Repository
}

// NewPricingEngine creates a pricing engine backed by the given repository.
func NewPricingEngine(repo store.Repository) *PricingEngine {
	return &PricingEngine{repo: repo}
}

// PriceFor resolves the sell price for a purchase fulfilled by vendorName at
// the given cost price.
func (e *PricingEngine) PriceFor(ctx context.Context, service domain.ServiceType, network domain.Network, vendorName string, costPrice int64) (*domain.Price, error) {
	if costPrice < 0 {
		return nil, fmt.Errorf("cost price must not be negative, got %d", costPrice)
	}

	rules, err := e.repo.ListMarginRules(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("failed to load margin rules: %w", err)
	}

	rule := selectMarginRule(rules, network, vendorName, costPrice)
	if rule == nil {
		return nil, ErrNoPricingRule
	}

	return applyMargin(rule, costPrice)
}

// selectMarginRule picks the winning rule. The slice comes from the repository
// newest-first, so the first rule at the highest specificity wins ties.
func selectMarginRule(rules []domain.MarginRule, network domain.Network, vendorName string, costPrice int64) *domain.MarginRule {
	var best *domain.MarginRule
	bestScore := -1

	for i := range rules {
		rule := &rules[i]
		if rule.Vendor != "" && rule.Vendor != vendorName {
			continue
		}
		if rule.Network != "" && rule.Network != network {
			continue
		}
		if rule.MinAmount != nil && costPrice < *rule.MinAmount {
			continue
		}
		if rule.MaxAmount != nil && costPrice > *rule.MaxAmount {
			continue
		}

		score := 0
		if rule.Vendor != "" {
			score += 2
		}
		if rule.Network != "" {
			score++
		}
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	return best
}

func applyMargin(rule *domain.MarginRule, costPrice int64) (*domain.Price, error) {
	var profit int64
	switch rule.Type {
	case domain.MarginFixed:
		profit = rule.Value
	case domain.MarginPercentage:
		profit = costPrice * rule.Value / 100
	default:
		return nil, fmt.Errorf("unknown margin type %q on rule %s", rule.Type, rule.ID)
	}
	if profit < 0 {
		return nil, fmt.Errorf("rule %s produced a negative margin", rule.ID)
	}

	return &domain.Price{
		CostPrice:   costPrice,
		SellPrice:   costPrice + profit,
		Profit:      profit,
		MarginType:  rule.Type,
		MarginValue: rule.Value,
	}, nil
}
