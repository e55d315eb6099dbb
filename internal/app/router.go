/**
 * @description
 * This file implements the provider router: given a purchase's service and
 * network, it produces the ordered list of vendor adapters the orchestrator
 * should try. Routing rules are admin-managed data; health state comes from the
 * health manager; ties in load-balancing mode break on health score.
 *
 * @notes
 * - The router never calls a vendor. It only decides order; dispatch, failover
 *   budget, and refund decisions belong to the orchestrator.
 * - Offline vendors are filtered out up front so a dead primary costs nothing.
 */

package app

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/billpoint/vending-service/pkg/vendors"
)

var ErrNoVendorAvailable = errors.New("no vendor available for this purchase")

// RouterConfig tunes candidate selection.
type RouterConfig struct {
	// DefaultVendor backs purchases with no matching routing rule.
	DefaultVendor string
	// LoadBalance orders candidates purely by health score instead of the
	// rule's primary/fallback preference.
	LoadBalance bool
	// Priorities breaks health-score ties; lower number wins. Vendors with no
	// entry rank after every configured one, in registration order.
	Priorities map[string]int
}

// Router selects vendor adapters for purchases.
type Router struct {
	repo     store.Repository
	health   *HealthManager
	adapters map[string]vendor.Adapter
	order    map[string]int
	cfg      RouterConfig
}

// NewRouter creates a router over the given adapters. Registration order is
// remembered as the final tie-breaker.
func NewRouter(repo store.Repository, health *HealthManager, adapters []vendor.Adapter, cfg RouterConfig) *Router {
	byName := make(map[string]vendor.Adapter, len(adapters))
	order := make(map[string]int, len(adapters))
	for i, a := range adapters {
		byName[a.Name()] = a
		order[a.Name()] = i
	}
	return &Router{repo: repo, health: health, adapters: byName, order: order, cfg: cfg}
}

// Adapter returns a registered adapter by name.
func (r *Router) Adapter(name string) (vendor.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Candidates returns available adapters in dispatch order, skipping any vendor
// in exclude (vendors already tried for this purchase).
func (r *Router) Candidates(ctx context.Context, service domain.ServiceType, network domain.Network, exclude map[string]bool) ([]vendor.Adapter, error) {
	names := r.orderedNames(ctx, service, network)

	var out []vendor.Adapter
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] || exclude[name] {
			continue
		}
		seen[name] = true

		adapter, ok := r.adapters[name]
		if !ok {
			log.Printf("level=warn component=router vendor=%s msg=\"routing rule names an unregistered vendor\"", name)
			continue
		}
		if !r.health.IsAvailable(name) {
			log.Printf("level=info component=router vendor=%s service=%s msg=\"skipping offline vendor\"", name, service)
			continue
		}
		out = append(out, adapter)
	}

	if len(out) == 0 {
		return nil, ErrNoVendorAvailable
	}
	return out, nil
}

// orderedNames resolves the preference order before health filtering.
func (r *Router) orderedNames(ctx context.Context, service domain.ServiceType, network domain.Network) []string {
	if r.cfg.LoadBalance {
		return r.namesByScore()
	}

	var names []string
	rule, err := r.repo.GetRoutingRule(ctx, service, network)
	switch {
	case err == nil:
		names = append(names, rule.PrimaryVendor)
		if rule.FallbackVendor != "" {
			names = append(names, rule.FallbackVendor)
		}
	case errors.Is(err, store.ErrRoutingRuleNotFound):
		// fall through to the default vendor
	default:
		log.Printf("level=error component=router service=%s network=%s msg=\"routing rule lookup failed: %v\"", service, network, err)
	}

	if r.cfg.DefaultVendor != "" {
		names = append(names, r.cfg.DefaultVendor)
	}
	// Remaining vendors by score serve as the last-ditch tail.
	names = append(names, r.namesByScore()...)
	return names
}

func (r *Router) namesByScore() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := r.health.Score(names[i]), r.health.Score(names[j])
		if si != sj {
			return si > sj
		}
		pi, pj := r.priority(names[i]), r.priority(names[j])
		if pi != pj {
			return pi < pj
		}
		return r.order[names[i]] < r.order[names[j]]
	})
	return names
}

func (r *Router) priority(name string) int {
	if p, ok := r.cfg.Priorities[name]; ok {
		return p
	}
	return math.MaxInt
}
