/**
 * @description
 * This file implements the reconciliation job. Purchases that were dispatched
 * to a vendor but never reached a terminal status (timeouts, ambiguous replies,
 * crashes between dispatch and settlement) are periodically re-queried against
 * the vendor and settled from the authoritative answer. This is the safety net
 * that makes "leave it pending" a sound answer everywhere else in the system.
 *
 * @notes
 * - Entries younger than the grace period are skipped; the synchronous path may
 *   still be working on them.
 * - A vendor that stays silent past the abandon window gets the purchase failed
 *   and refunded, but only when the vendor is not known to complete late.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/metrics"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/robfig/cron/v3"
)

// ReconcilerConfig tunes the reconciliation sweep.
type ReconcilerConfig struct {
	// GracePeriod is how old a pending entry must be before it is re-queried.
	GracePeriod time.Duration
	// AbandonAfter is the age past which a still-unconfirmed purchase is failed
	// and refunded (unless the vendor completes late).
	AbandonAfter time.Duration
	// BatchSize bounds how many entries one sweep processes.
	BatchSize int
}

// Reconciler sweeps stuck pending purchases.
type Reconciler struct {
	svc  *Service
	repo store.Repository
	cfg  ReconcilerConfig
	cron *cron.Cron
}

// NewReconciler creates a reconciler over the orchestrator's settlement logic.
func NewReconciler(svc *Service, repo store.Repository, cfg ReconcilerConfig) *Reconciler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{svc: svc, repo: repo, cfg: cfg}
}

// Start schedules the sweep on the given cron spec.
func (r *Reconciler) Start(spec string) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		r.Sweep(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Sweep processes one batch of stuck entries. Exported for the ops endpoint
// that triggers reconciliation on demand.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	olderThan := time.Now().Add(-r.cfg.GracePeriod)
	entries, err := r.repo.ListPendingVendorTransactions(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"failed to list pending transactions: %v\"", err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	log.Printf("level=info component=reconciler count=%d msg=\"reconciling pending purchases\"", len(entries))

	settled := 0
	for i := range entries {
		entry := &entries[i]
		if err := r.reconcileOne(ctx, entry); err != nil {
			log.Printf("level=warn component=reconciler reference=%s vendor=%s msg=\"reconcile failed: %v\"", entry.Reference, entry.VendorName, err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, entry *domain.Transaction) error {
	adapter, ok := r.svc.router.Adapter(entry.VendorName)
	if !ok {
		return r.abandonIfExpired(ctx, entry, "vendor no longer registered")
	}

	outcome, err := adapter.QueryTransaction(ctx, entry.Reference)
	if err != nil {
		if !completesAfterTimeout(adapter) {
			return r.abandonIfExpired(ctx, entry, "vendor unreachable during reconciliation")
		}
		return err
	}

	if _, err := r.svc.settleFromOutcome(ctx, entry, outcome); err != nil {
		return err
	}
	return nil
}

// abandonIfExpired fails and refunds a purchase whose vendor cannot confirm it
// and whose age exceeds the abandon window.
func (r *Reconciler) abandonIfExpired(ctx context.Context, entry *domain.Transaction, reason string) error {
	if time.Since(entry.CreatedAt) < r.cfg.AbandonAfter {
		return nil
	}

	if _, err := r.repo.FailAndRefund(ctx, entry.ID, reason); err != nil {
		return err
	}
	metrics.ReconciledTotal.WithLabelValues("abandoned").Inc()
	metrics.RefundsTotal.WithLabelValues("abandoned").Inc()
	log.Printf("level=warn component=reconciler reference=%s msg=\"abandoned purchase refunded\" reason=%q", entry.Reference, reason)
	return nil
}
