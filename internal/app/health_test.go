package app

import (
	"errors"
	"testing"
	"time"

	"github.com/billpoint/vending-service/pkg/vendors"
)

func newTestHealthManager(names ...string) *HealthManager {
	adapters := make([]vendor.Adapter, 0, len(names))
	for _, name := range names {
		adapters = append(adapters, &adapterStub{name: name})
	}
	return NewHealthManager(adapters)
}

func TestHealthManagerStateTransitions(t *testing.T) {
	m := newTestHealthManager("vtpass")

	if !m.IsAvailable("vtpass") {
		t.Fatal("fresh vendor should start available")
	}

	probeErr := errors.New("connection refused")
	m.Report("vtpass", 100*time.Millisecond, probeErr)
	m.Report("vtpass", 100*time.Millisecond, probeErr)
	if !m.IsAvailable("vtpass") {
		t.Fatal("two consecutive failures should only degrade, not offline")
	}

	m.Report("vtpass", 100*time.Millisecond, probeErr)
	if m.IsAvailable("vtpass") {
		t.Fatal("three consecutive failures should mark the vendor offline")
	}

	// One success clears the streak.
	m.Report("vtpass", 100*time.Millisecond, nil)
	if !m.IsAvailable("vtpass") {
		t.Fatal("a success should bring the vendor back")
	}
}

func TestHealthManagerScoreOrdersByLatency(t *testing.T) {
	m := newTestHealthManager("fast", "slow")

	for i := 0; i < 5; i++ {
		m.Report("fast", 200*time.Millisecond, nil)
		m.Report("slow", 2500*time.Millisecond, nil)
	}

	if m.Score("fast") <= m.Score("slow") {
		t.Fatalf("faster vendor should score higher: fast=%d slow=%d", m.Score("fast"), m.Score("slow"))
	}
}

func TestHealthManagerScorePenalizesErrorRate(t *testing.T) {
	m := newTestHealthManager("clean", "flaky")

	for i := 0; i < 10; i++ {
		m.Report("clean", 300*time.Millisecond, nil)
	}
	for i := 0; i < 10; i++ {
		// Alternate so the consecutive-failure streak never hits offline.
		if i%2 == 0 {
			m.Report("flaky", 300*time.Millisecond, errors.New("http 500"))
		} else {
			m.Report("flaky", 300*time.Millisecond, nil)
		}
	}

	if m.Score("clean") <= m.Score("flaky") {
		t.Fatalf("lower error rate should score higher: clean=%d flaky=%d", m.Score("clean"), m.Score("flaky"))
	}
}

func TestHealthManagerErrorRateTracksRecentBurst(t *testing.T) {
	m := newTestHealthManager("veteran")

	// A long clean history must not mask a fresh fault burst.
	for i := 0; i < 50; i++ {
		m.Report("veteran", 300*time.Millisecond, nil)
	}
	m.Report("veteran", 300*time.Millisecond, errors.New("http 502"))
	m.Report("veteran", 300*time.Millisecond, errors.New("http 502"))

	for _, h := range m.Snapshot() {
		if h.Vendor != "veteran" {
			continue
		}
		// Two straight failures push the decayed rate past 30%; a lifetime
		// average would still sit under 4%.
		if h.ErrorRatePercent < 30 {
			t.Fatalf("error rate should reflect the recent burst, got %d%%", h.ErrorRatePercent)
		}
	}
}

func TestHealthManagerUnknownVendor(t *testing.T) {
	m := newTestHealthManager("vtpass")

	if m.IsAvailable("nope") {
		t.Fatal("unregistered vendor must not be available")
	}
	if m.Score("nope") != 0 {
		t.Fatal("unregistered vendor must score zero")
	}
}

func TestHealthManagerSnapshot(t *testing.T) {
	m := newTestHealthManager("vtpass", "gsubz")
	m.Report("vtpass", 150*time.Millisecond, nil)

	snapshot := m.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 vendors in snapshot, got %d", len(snapshot))
	}
	for _, h := range snapshot {
		if h.Vendor == "vtpass" && h.State != VendorOnline {
			t.Fatalf("expected vtpass online, got %s", h.State)
		}
	}
}
