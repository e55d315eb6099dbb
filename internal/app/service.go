/**
 * @description
 * This file implements the purchase orchestrator, the core workflow of the
 * vending service. One purchase runs: validate, normalize the recipient, price,
 * debit the wallet (atomically, under the idempotency key), dispatch to vendors
 * in router order with a bounded failover budget, and settle the ledger entry
 * according to the vendor outcome. Money safety rules live here: debit happens
 * exactly once before any vendor call, and a purchase that definitively failed
 * is refunded in the same breath as it is marked failed.
 *
 * @notes
 * - A vendor-side failure is never surfaced to the caller as a raw error. The
 *   caller always receives the ledger entry so the purchase can be reconciled.
 * - An ambiguous outcome (timeout against a vendor that may still complete,
 *   or an explicit processing/pending reply) leaves the entry pending for the
 *   reconciliation job. Refunding an ambiguous purchase double-spends.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/metrics"
	"github.com/billpoint/vending-service/internal/phone"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/billpoint/vending-service/pkg/rabbitmq"
	"github.com/billpoint/vending-service/pkg/retry"
	"github.com/billpoint/vending-service/pkg/vendors"
	"github.com/google/uuid"
)

var (
	ErrInvalidPurchase    = errors.New("invalid purchase request")
	ErrVerifyNotSupported = errors.New("vendor does not support customer verification")
)

// ServiceConfig tunes orchestration behavior.
type ServiceConfig struct {
	// MaxVendorAttempts bounds the failover budget: how many distinct vendors
	// one purchase may be dispatched to.
	MaxVendorAttempts int
	// VendorCallTimeout bounds a single vendor purchase call.
	VendorCallTimeout time.Duration
}

// Service orchestrates purchases end to end.
type Service struct {
	repo      store.Repository
	router    *Router
	health    *HealthManager
	pricing   *PricingEngine
	publisher rabbitmq.Publisher
	cfg       ServiceConfig
}

// NewService wires the orchestrator.
func NewService(repo store.Repository, router *Router, health *HealthManager, pricing *PricingEngine, publisher rabbitmq.Publisher, cfg ServiceConfig) *Service {
	if cfg.MaxVendorAttempts <= 0 {
		cfg.MaxVendorAttempts = 2
	}
	if cfg.VendorCallTimeout <= 0 {
		cfg.VendorCallTimeout = 45 * time.Second
	}
	return &Service{repo: repo, router: router, health: health, pricing: pricing, publisher: publisher, cfg: cfg}
}

// Purchase runs the full purchase workflow for one user request.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	normalized, err := s.normalizeRequest(&req)
	if err != nil {
		return nil, err
	}

	if normalized.IdempotencyKey == "" {
		normalized.IdempotencyKey = retry.NewKey()
	}

	candidates, err := s.router.Candidates(ctx, normalized.Service, normalized.Network, nil)
	if err != nil {
		return nil, err
	}

	// Plan-priced services always take the vendor's catalog price; any client
	// supplied amount is ignored.
	costBase := normalized.Amount
	if normalized.Service.PlanPriced() {
		costBase, err = s.resolvePlanPrice(ctx, candidates[0], normalized)
		if err != nil {
			return nil, err
		}
	}

	// Price against the first candidate; failover vendors fulfill at the same
	// sell price since the user was already quoted and debited.
	price, err := s.pricing.PriceFor(ctx, normalized.Service, normalized.Network, candidates[0].Name(), costBase)
	if err != nil {
		return nil, err
	}

	entry := &domain.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           domain.TxTypePurchase,
		Service:        normalized.Service,
		Network:        normalized.Network,
		Status:         domain.TxStatusPending,
		Amount:         -price.SellPrice,
		Reference:      "vend_" + uuid.NewString(),
		IdempotencyKey: normalized.IdempotencyKey,
		Recipient:      normalized.Recipient,
		PlanCode:       normalized.PlanCode,
		CostPrice:      price.CostPrice,
		SellPrice:      price.SellPrice,
		Profit:         price.Profit,
		Details:        normalized.Metadata,
	}

	entry, created, err := s.repo.DebitForPurchase(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		// The key was already spent: return the original purchase verbatim.
		log.Printf("level=info component=purchase_service user_id=%s idempotency_key=%s msg=\"duplicate purchase request; returning original entry\"", userID, normalized.IdempotencyKey)
		return &domain.PurchaseResult{
			Entry:     entry,
			Succeeded: entry.Status == domain.TxStatusCompleted,
			Message:   "duplicate request; original purchase returned",
		}, nil
	}

	return s.dispatch(ctx, entry, candidates)
}

// dispatch tries candidates in order until one yields a completed or ambiguous
// outcome, refunding only when every attempt failed definitively.
func (s *Service) dispatch(ctx context.Context, entry *domain.Transaction, candidates []vendor.Adapter) (*domain.PurchaseResult, error) {
	vendorReq := vendor.PurchaseRequest{
		Service:   entry.Service,
		Network:   entry.Network,
		Recipient: entry.Recipient,
		Amount:    entry.CostPrice,
		PlanCode:  entry.PlanCode,
		Reference: entry.Reference,
	}

	attempts := s.cfg.MaxVendorAttempts
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastFailure string
	var prevVendor string
	for i := 0; i < attempts; i++ {
		adapter := candidates[i]
		name := adapter.Name()

		if prevVendor != "" {
			metrics.VendorFailovers.WithLabelValues(prevVendor, name).Inc()
			log.Printf("level=warn component=purchase_service reference=%s from=%s to=%s msg=\"failing over to next vendor\"", entry.Reference, prevVendor, name)
		}
		prevVendor = name

		if err := s.repo.RecordVendorDispatch(ctx, entry.ID, name, time.Now()); err != nil {
			log.Printf("level=error component=purchase_service reference=%s vendor=%s msg=\"failed to record dispatch: %v\"", entry.Reference, name, err)
		}
		entry.VendorName = name

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorCallTimeout)
		start := time.Now()
		outcome, err := adapter.Purchase(callCtx, vendorReq)
		elapsed := time.Since(start)
		cancel()

		metrics.ObserveVendorCall(name, "purchase", elapsed)
		s.health.Report(name, elapsed, err)

		if err != nil {
			if timedOut(err) && completesAfterTimeout(adapter) {
				// The vendor may still fulfill. Leave pending for reconciliation.
				log.Printf("level=warn component=purchase_service reference=%s vendor=%s msg=\"vendor call timed out; leaving pending for reconciliation\"", entry.Reference, name)
				return s.pendingResult(entry, "vendor timed out; purchase pending confirmation"), nil
			}
			lastFailure = fmt.Sprintf("%s: %v", name, err)
			metrics.PurchasesTotal.WithLabelValues(string(entry.Service), name, "vendor_error").Inc()
			continue
		}

		switch outcome.Status {
		case vendor.StatusCompleted:
			return s.complete(ctx, entry, name, outcome)
		case vendor.StatusPending, vendor.StatusProcessing:
			s.appendOutcome(ctx, entry, outcome)
			metrics.PurchasesTotal.WithLabelValues(string(entry.Service), name, "pending").Inc()
			return s.pendingResult(entry, "purchase submitted; pending vendor confirmation"), nil
		default:
			lastFailure = fmt.Sprintf("%s: %s", name, outcome.Message)
			metrics.PurchasesTotal.WithLabelValues(string(entry.Service), name, "failed").Inc()
		}
	}

	return s.failAndRefund(ctx, entry, lastFailure)
}

func (s *Service) complete(ctx context.Context, entry *domain.Transaction, vendorName string, outcome *vendor.Outcome) (*domain.PurchaseResult, error) {
	details := map[string]interface{}{"vendor_message": outcome.Message}
	for k, v := range outcome.Metadata {
		details[k] = v
	}
	if outcome.Simulated {
		details["simulated"] = true
	}

	transitioned, err := s.repo.MarkPurchaseCompleted(ctx, entry.ID, outcome.VendorRef, outcome.RawStatus, details)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		// Someone else (reconciliation) settled it first; report its view.
		settled, findErr := s.repo.FindTransactionByID(ctx, entry.ID)
		if findErr != nil {
			return nil, findErr
		}
		entry = settled
	} else {
		entry.Status = domain.TxStatusCompleted
		if outcome.VendorRef != "" {
			entry.VendorRef = &outcome.VendorRef
		}
	}

	metrics.PurchasesTotal.WithLabelValues(string(entry.Service), vendorName, "completed").Inc()
	s.publishPurchase(ctx, entry, outcome.Simulated)

	return &domain.PurchaseResult{
		Entry:     entry,
		Succeeded: entry.Status == domain.TxStatusCompleted,
		Simulated: outcome.Simulated,
		Message:   "purchase completed",
	}, nil
}

func (s *Service) failAndRefund(ctx context.Context, entry *domain.Transaction, reason string) (*domain.PurchaseResult, error) {
	if reason == "" {
		reason = "all vendors exhausted"
	}

	refund, err := s.repo.FailAndRefund(ctx, entry.ID, reason)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyFinal) {
			settled, findErr := s.repo.FindTransactionByID(ctx, entry.ID)
			if findErr == nil {
				return &domain.PurchaseResult{Entry: settled, Succeeded: settled.Status == domain.TxStatusCompleted}, nil
			}
		}
		return nil, err
	}

	entry.Status = domain.TxStatusFailed
	entry.FailureReason = &reason
	metrics.RefundsTotal.WithLabelValues("vendor_failure").Inc()
	log.Printf("level=warn component=purchase_service reference=%s msg=\"purchase failed and refunded\" reason=%q", entry.Reference, reason)

	s.publishPurchase(ctx, entry, false)
	if err := s.publisher.PublishRefundEvent(ctx, rabbitmq.RefundEvent{
		TransactionID: refund.ID,
		OriginalID:    entry.ID,
		UserID:        entry.UserID,
		Amount:        refund.Amount,
		Reason:        reason,
		Timestamp:     time.Now(),
	}); err != nil {
		log.Printf("level=warn component=purchase_service reference=%s msg=\"refund event publish failed: %v\"", entry.Reference, err)
	}

	return &domain.PurchaseResult{
		Entry:     entry,
		Succeeded: false,
		Message:   "purchase failed; wallet refunded",
	}, nil
}

func (s *Service) pendingResult(entry *domain.Transaction, message string) *domain.PurchaseResult {
	return &domain.PurchaseResult{Entry: entry, Succeeded: false, Message: message}
}

func (s *Service) appendOutcome(ctx context.Context, entry *domain.Transaction, outcome *vendor.Outcome) {
	details := map[string]interface{}{"vendor_message": outcome.Message}
	if err := s.repo.AppendVendorDetails(ctx, entry.ID, outcome.VendorRef, outcome.RawStatus, details); err != nil {
		log.Printf("level=error component=purchase_service reference=%s msg=\"failed to append vendor details: %v\"", entry.Reference, err)
	}
	if outcome.VendorRef != "" {
		entry.VendorRef = &outcome.VendorRef
	}
}

func (s *Service) publishPurchase(ctx context.Context, entry *domain.Transaction, simulated bool) {
	event := rabbitmq.PurchaseEvent{
		TransactionID: entry.ID,
		UserID:        entry.UserID,
		Service:       string(entry.Service),
		Network:       string(entry.Network),
		Status:        entry.Status,
		Amount:        entry.Amount,
		Vendor:        entry.VendorName,
		Reference:     entry.Reference,
		Simulated:     simulated,
		Timestamp:     time.Now(),
	}
	if err := s.publisher.PublishPurchaseEvent(ctx, event); err != nil {
		log.Printf("level=warn component=purchase_service reference=%s msg=\"purchase event publish failed: %v\"", entry.Reference, err)
	}
}

// resolvePlanPrice fetches the vendor's cost price for a plan-coded purchase.
func (s *Service) resolvePlanPrice(ctx context.Context, adapter vendor.Adapter, req *domain.PurchaseRequest) (int64, error) {
	start := time.Now()
	plans, err := adapter.Plans(ctx, req.Service, req.Network)
	metrics.ObserveVendorCall(adapter.Name(), "plans", time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve plan price: %w", err)
	}
	for _, plan := range plans {
		if plan.Code == req.PlanCode {
			return plan.Price, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown plan code %q", ErrInvalidPurchase, req.PlanCode)
}

// normalizeRequest validates and canonicalizes the request in place.
func (s *Service) normalizeRequest(req *domain.PurchaseRequest) (*domain.PurchaseRequest, error) {
	if !req.Service.Valid() {
		return nil, fmt.Errorf("%w: unknown service %q", ErrInvalidPurchase, req.Service)
	}
	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidPurchase)
	}

	// Required fields differ per service: variable-amount services need an
	// amount, plan-priced services need a plan code, electricity needs both
	// (the plan code carries the prepaid/postpaid meter variation).
	switch {
	case req.Service.PlanPriced():
		if req.PlanCode == "" {
			return nil, fmt.Errorf("%w: plan code is required for %s", ErrInvalidPurchase, req.Service)
		}
	case req.Service == domain.ServiceElectricity:
		if req.PlanCode == "" {
			return nil, fmt.Errorf("%w: meter variation is required for electricity", ErrInvalidPurchase)
		}
		if req.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount is required for electricity", ErrInvalidPurchase)
		}
	default:
		if req.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount is required for %s", ErrInvalidPurchase, req.Service)
		}
	}

	if req.Service.PhoneBased() {
		normalized, err := phone.Normalize(req.Recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
		}
		req.Recipient = normalized

		detected, err := phone.DetectNetwork(normalized)
		if err == nil {
			if req.Network != "" && req.Network != detected {
				// Caller's choice wins (ported numbers), but record the mismatch.
				log.Printf("level=info component=purchase_service recipient=%s declared=%s detected=%s msg=\"network mismatch; honoring declared network\"", phone.Mask(normalized), req.Network, detected)
			}
			if req.Network == "" {
				req.Network = detected
			}
		} else if req.Network == "" {
			return nil, fmt.Errorf("%w: network could not be detected and was not provided", ErrInvalidPurchase)
		}
	} else {
		req.Recipient = phone.NormalizeAccount(req.Recipient)
	}

	return req, nil
}

// Status returns a user's view of one purchase by ledger reference.
func (s *Service) Status(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error) {
	entry, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, store.ErrTransactionNotFound
	}
	return entry, nil
}

// RetryPurchase re-runs a failed purchase as a brand-new ledger entry with a
// fresh reference and idempotency key. The failed entry is left untouched.
func (s *Service) RetryPurchase(ctx context.Context, userID uuid.UUID, reference string) (*domain.PurchaseResult, error) {
	entry, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, store.ErrTransactionNotFound
	}
	if entry.Status != domain.TxStatusFailed {
		return nil, fmt.Errorf("%w: only failed purchases can be retried", ErrInvalidPurchase)
	}

	return s.Purchase(ctx, userID, domain.PurchaseRequest{
		Service:   entry.Service,
		Network:   entry.Network,
		Recipient: entry.Recipient,
		Amount:    entry.CostPrice,
		PlanCode:  entry.PlanCode,
	})
}

// Requery forces a fresh vendor status check for a pending purchase and settles
// the entry if the vendor now reports a terminal outcome.
func (s *Service) Requery(ctx context.Context, reference string) (*domain.Transaction, error) {
	entry, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.TxStatusPending || entry.VendorName == "" {
		return entry, nil
	}

	adapter, ok := s.router.Adapter(entry.VendorName)
	if !ok {
		return nil, fmt.Errorf("vendor %q is not registered", entry.VendorName)
	}

	start := time.Now()
	outcome, err := adapter.QueryTransaction(ctx, entry.Reference)
	metrics.ObserveVendorCall(entry.VendorName, "query", time.Since(start))
	if err != nil {
		return nil, err
	}

	return s.settleFromOutcome(ctx, entry, outcome)
}

// settleFromOutcome applies a re-queried vendor outcome to a pending entry.
// Shared by Requery and the reconciliation job.
func (s *Service) settleFromOutcome(ctx context.Context, entry *domain.Transaction, outcome *vendor.Outcome) (*domain.Transaction, error) {
	switch outcome.Status {
	case vendor.StatusCompleted:
		details := map[string]interface{}{"vendor_message": outcome.Message, "settled_by": "requery"}
		transitioned, err := s.repo.MarkPurchaseCompleted(ctx, entry.ID, outcome.VendorRef, outcome.RawStatus, details)
		if err != nil {
			return nil, err
		}
		if transitioned {
			metrics.ReconciledTotal.WithLabelValues("completed").Inc()
			entry.Status = domain.TxStatusCompleted
			s.publishPurchase(ctx, entry, outcome.Simulated)
		}
	case vendor.StatusFailed, vendor.StatusRefunded:
		reason := outcome.Message
		if reason == "" {
			reason = "vendor reported " + string(outcome.Status)
		}
		refund, err := s.repo.FailAndRefund(ctx, entry.ID, reason)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyFinal) {
				return s.repo.FindTransactionByID(ctx, entry.ID)
			}
			return nil, err
		}
		metrics.ReconciledTotal.WithLabelValues("failed").Inc()
		metrics.RefundsTotal.WithLabelValues("requery").Inc()
		entry.Status = domain.TxStatusFailed
		s.publishPurchase(ctx, entry, false)
		if err := s.publisher.PublishRefundEvent(ctx, rabbitmq.RefundEvent{
			TransactionID: refund.ID,
			OriginalID:    entry.ID,
			UserID:        entry.UserID,
			Amount:        refund.Amount,
			Reason:        reason,
			Timestamp:     time.Now(),
		}); err != nil {
			log.Printf("level=warn component=purchase_service reference=%s msg=\"refund event publish failed: %v\"", entry.Reference, err)
		}
	default:
		// Still in flight; just record the vendor's latest word.
		s.appendOutcome(ctx, entry, outcome)
	}
	return entry, nil
}

// Plans lists purchasable products for a service/network pair from the first
// available vendor in routing order.
func (s *Service) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	candidates, err := s.router.Candidates(ctx, service, network, nil)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, adapter := range candidates {
		start := time.Now()
		plans, err := adapter.Plans(ctx, service, network)
		metrics.ObserveVendorCall(adapter.Name(), "plans", time.Since(start))
		if err != nil {
			lastErr = err
			continue
		}
		return plans, nil
	}
	return nil, lastErr
}

// VerifyCustomer validates a recipient identifier with a capable vendor before purchase.
func (s *Service) VerifyCustomer(ctx context.Context, req domain.VerifyCustomerRequest) (*vendor.VerifyResult, error) {
	var adapters []vendor.Adapter
	if req.Vendor != "" {
		adapter, ok := s.router.Adapter(req.Vendor)
		if !ok {
			return nil, fmt.Errorf("vendor %q is not registered", req.Vendor)
		}
		adapters = []vendor.Adapter{adapter}
	} else {
		candidates, err := s.router.Candidates(ctx, req.Service, "", nil)
		if err != nil {
			return nil, err
		}
		adapters = candidates
	}

	for _, adapter := range adapters {
		verifier, ok := adapter.(vendor.CustomerVerifier)
		if !ok {
			continue
		}
		start := time.Now()
		result, err := verifier.VerifyCustomer(ctx, vendor.VerifyRequest{
			Service:  req.Service,
			Provider: req.Provider,
			Account:  phone.NormalizeAccount(req.Account),
		})
		metrics.ObserveVendorCall(adapter.Name(), "verify", time.Since(start))
		if err != nil {
			continue
		}
		return result, nil
	}
	return nil, ErrVerifyNotSupported
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Adapter transport errors reach us flattened to strings.
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout")
}

func completesAfterTimeout(adapter vendor.Adapter) bool {
	tb, ok := adapter.(vendor.TimeoutBehavior)
	return ok && tb.CompletesAfterTimeout()
}
