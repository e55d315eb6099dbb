/**
 * @description
 * This file implements the vendor health manager. It tracks per-vendor liveness,
 * response time, and error rate from two signal sources: periodic balance probes
 * and the live purchase traffic reported by the orchestrator. The router reads
 * health scores to skip offline vendors and to order load-balanced candidates.
 *
 * @dependencies
 * - sync: RWMutex protecting the per-vendor state map.
 * - github.com/robfig/cron/v3: Schedules the periodic probes.
 * - pkg/vendors: The adapter contract whose Balance call doubles as the probe.
 */

package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/billpoint/vending-service/pkg/vendors"
	"github.com/robfig/cron/v3"
)

// Vendor availability states.
const (
	VendorOnline   = "online"
	VendorDegraded = "degraded"
	VendorOffline  = "offline"
)

// ewmaWeight is the smoothing factor for the response-time and error-rate
// moving averages.
const ewmaWeight = 0.2

// offlineThreshold is the number of consecutive failures after which a vendor
// is considered offline rather than degraded.
const offlineThreshold = 3

// VendorHealth is a point-in-time snapshot of one vendor's health.
type VendorHealth struct {
	Vendor              string    `json:"vendor"`
	State               string    `json:"state"`
	Score               int       `json:"score"`
	AvgResponseMillis   int64     `json:"avg_response_ms"`
	ErrorRatePercent    int       `json:"error_rate_percent"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type vendorState struct {
	adapter vendor.Adapter
	// Both averages are exponentially decayed so a fresh fault burst is not
	// drowned out by a long success history.
	ewmaMillis          float64
	errorEwma           float64
	samples             int64
	consecutiveFailures int
	lastProbeAt         time.Time
	lastError           string
}

// HealthManager tracks the health of all registered vendors.
type HealthManager struct {
	mu       sync.RWMutex
	vendors  map[string]*vendorState
	probeTTL time.Duration
	cron     *cron.Cron
}

// NewHealthManager creates a manager for the given adapters. Vendors start
// online with a neutral score until the first probe or purchase reports in.
func NewHealthManager(adapters []vendor.Adapter) *HealthManager {
	m := &HealthManager{
		vendors:  make(map[string]*vendorState, len(adapters)),
		probeTTL: 10 * time.Second,
	}
	for _, a := range adapters {
		m.vendors[a.Name()] = &vendorState{adapter: a}
	}
	return m
}

// StartProbes schedules periodic balance probes on the given cron spec and
// runs one probe round immediately so the router never starts blind.
func (m *HealthManager) StartProbes(spec string) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(spec, m.probeAll); err != nil {
		return err
	}
	m.cron.Start()
	go m.probeAll()
	return nil
}

// StopProbes halts the probe schedule.
func (m *HealthManager) StopProbes() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

func (m *HealthManager) probeAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.vendors))
	for name := range m.vendors {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.probe(name)
	}
}

func (m *HealthManager) probe(name string) {
	m.mu.RLock()
	state, ok := m.vendors[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTTL)
	defer cancel()

	start := time.Now()
	_, err := state.adapter.Balance(ctx)
	elapsed := time.Since(start)

	m.Report(name, elapsed, err)
	if err != nil {
		log.Printf("level=warn component=health_manager vendor=%s probe_ms=%d msg=\"probe failed: %v\"", name, elapsed.Milliseconds(), err)
	}
}

// Report feeds one observation (probe or live purchase) into a vendor's stats.
func (m *HealthManager) Report(name string, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.vendors[name]
	if !ok {
		return
	}

	millis := float64(elapsed.Milliseconds())
	errBit := 0.0
	if err != nil {
		errBit = 1
	}
	if state.samples == 0 {
		state.ewmaMillis = millis
		state.errorEwma = errBit
	} else {
		state.ewmaMillis = ewmaWeight*millis + (1-ewmaWeight)*state.ewmaMillis
		state.errorEwma = ewmaWeight*errBit + (1-ewmaWeight)*state.errorEwma
	}
	state.samples++
	state.lastProbeAt = time.Now()

	if err != nil {
		state.consecutiveFailures++
		state.lastError = err.Error()
		return
	}
	state.consecutiveFailures = 0
	state.lastError = ""
}

// IsAvailable reports whether the router may dispatch to this vendor.
func (m *HealthManager) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.vendors[name]
	if !ok {
		return false
	}
	return availabilityState(state) != VendorOffline
}

// Score returns the composite health score (0-100) for ordering candidates.
func (m *HealthManager) Score(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.vendors[name]
	if !ok {
		return 0
	}
	return scoreOf(state)
}

// Snapshot returns the health of every registered vendor for the ops endpoint.
func (m *HealthManager) Snapshot() []VendorHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]VendorHealth, 0, len(m.vendors))
	for name, state := range m.vendors {
		out = append(out, VendorHealth{
			Vendor:              name,
			State:               availabilityState(state),
			Score:               scoreOf(state),
			AvgResponseMillis:   int64(state.ewmaMillis),
			ErrorRatePercent:    errorRateOf(state),
			ConsecutiveFailures: state.consecutiveFailures,
			LastProbeAt:         state.lastProbeAt,
			LastError:           state.lastError,
		})
	}
	return out
}

func availabilityState(state *vendorState) string {
	switch {
	case state.consecutiveFailures >= offlineThreshold:
		return VendorOffline
	case state.consecutiveFailures > 0:
		return VendorDegraded
	default:
		return VendorOnline
	}
}

func errorRateOf(state *vendorState) int {
	return int(state.errorEwma*100 + 0.5)
}

// scoreOf composes availability (40), response time (30), and error rate (30)
// into a 0-100 score. Faster and cleaner vendors rank higher.
func scoreOf(state *vendorState) int {
	var score int
	switch availabilityState(state) {
	case VendorOnline:
		score = 40
	case VendorDegraded:
		score = 20
	}

	latencyPenalty := int(state.ewmaMillis / 100)
	if latencyPenalty < 30 {
		score += 30 - latencyPenalty
	}

	errorRate := errorRateOf(state)
	if errorRate < 30 {
		score += 30 - errorRate
	}
	return score
}
