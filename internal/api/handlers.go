/**
 * @description
 * This file contains the HTTP handlers for the vending-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application services, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/billpoint/vending-service/internal/app"
	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// VendingHandlers holds the application services that handlers will use.
type VendingHandlers struct {
	purchases  *app.Service
	wallet     *app.WalletService
	health     *app.HealthManager
	reconciler *app.Reconciler
	repo       store.Repository
	limiter    *app.RedisPurchaseRateLimiter

	purchaseRateLimitPerMinute int
}

// NewVendingHandlers creates a new instance of VendingHandlers.
func NewVendingHandlers(
	purchases *app.Service,
	wallet *app.WalletService,
	health *app.HealthManager,
	reconciler *app.Reconciler,
	repo store.Repository,
	limiter *app.RedisPurchaseRateLimiter,
	purchaseRateLimitPerMinute int,
) *VendingHandlers {
	return &VendingHandlers{
		purchases:                  purchases,
		wallet:                     wallet,
		health:                     health,
		reconciler:                 reconciler,
		repo:                       repo,
		limiter:                    limiter,
		purchaseRateLimitPerMinute: purchaseRateLimitPerMinute,
	}
}

// PurchaseHandler handles requests to buy airtime, data, and other products.
func (h *VendingHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=purchase outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}

	if !h.allowPurchase(w, r, userID, req.Recipient) {
		return
	}

	result, err := h.purchases.Purchase(r.Context(), userID, req)
	if err != nil {
		h.writePurchaseError(w, userID, err)
		return
	}

	status := http.StatusCreated
	if result.Entry != nil && result.Entry.Status == domain.TxStatusFailed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

func (h *VendingHandlers) allowPurchase(w http.ResponseWriter, r *http.Request, userID uuid.UUID, recipient string) bool {
	if h.limiter == nil || h.purchaseRateLimitPerMinute <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumePurchaseAllowance(r.Context(), userID, h.purchaseRateLimitPerMinute)
	if err != nil {
		// Redis being down must not take purchasing down with it.
		log.Printf("level=warn component=api endpoint=purchase msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		return true
	}
	if count > h.purchaseRateLimitPerMinute {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many purchase attempts. Please wait and try again.")
		return false
	}

	count, retryAfter, err = h.limiter.ConsumeRecipientAllowance(r.Context(), recipient, h.purchaseRateLimitPerMinute)
	if err != nil {
		log.Printf("level=warn component=api endpoint=purchase msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		return true
	}
	if count > h.purchaseRateLimitPerMinute {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "This recipient is receiving too many purchases. Please wait and try again.")
		return false
	}
	return true
}

func (h *VendingHandlers) writePurchaseError(w http.ResponseWriter, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidPurchase):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance.")
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found.")
	case errors.Is(err, app.ErrNoVendorAvailable):
		h.writeError(w, http.StatusServiceUnavailable, "No vendor is currently available for this product.")
	case errors.Is(err, app.ErrNoPricingRule):
		h.writeError(w, http.StatusUnprocessableEntity, "This product is not currently priced for sale.")
	default:
		log.Printf("level=error component=api endpoint=purchase user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process purchase")
	}
}

// PurchaseStatusHandler returns the caller's view of one purchase by reference.
func (h *VendingHandlers) PurchaseStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	reference := chi.URLParam(r, "reference")
	entry, err := h.purchases.Status(r.Context(), userID, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found.")
			return
		}
		log.Printf("level=error component=api endpoint=purchase_status user_id=%s reference=%s err=%v", userID, reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transaction")
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// PurchaseRequeryHandler forces a fresh vendor status check on a pending purchase.
func (h *VendingHandlers) PurchaseRequeryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	reference := chi.URLParam(r, "reference")
	// Ownership check before touching the vendor.
	if _, err := h.purchases.Status(r.Context(), userID, reference); err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found.")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transaction")
		return
	}

	entry, err := h.purchases.Requery(r.Context(), reference)
	if err != nil {
		log.Printf("level=error component=api endpoint=purchase_requery reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusBadGateway, "Vendor status check failed. Try again later.")
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// PurchaseRetryHandler re-runs a failed purchase as a brand-new transaction.
func (h *VendingHandlers) PurchaseRetryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	reference := chi.URLParam(r, "reference")
	result, err := h.purchases.RetryPurchase(r.Context(), userID, reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found.")
			return
		}
		h.writePurchaseError(w, userID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// PlansHandler lists purchasable products for a service/network pair.
func (h *VendingHandlers) PlansHandler(w http.ResponseWriter, r *http.Request) {
	service := domain.ServiceType(strings.ToLower(r.URL.Query().Get("service")))
	if !service.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown or missing service.")
		return
	}
	network := domain.Network(strings.ToLower(r.URL.Query().Get("network")))

	plans, err := h.purchases.Plans(r.Context(), service, network)
	if err != nil {
		log.Printf("level=error component=api endpoint=plans service=%s network=%s err=%v", service, network, err)
		h.writeError(w, http.StatusBadGateway, "Unable to fetch plans from vendors")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

// VerifyCustomerHandler validates a meter/smartcard/betting account before purchase.
func (h *VendingHandlers) VerifyCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		h.writeError(w, http.StatusBadRequest, "Account is required.")
		return
	}

	result, err := h.purchases.VerifyCustomer(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrVerifyNotSupported) {
			h.writeError(w, http.StatusNotImplemented, "No vendor can verify this account type.")
			return
		}
		log.Printf("level=error component=api endpoint=verify_customer err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Verification failed. Try again later.")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// WalletBalanceHandler returns the caller's wallet balance.
func (h *VendingHandlers) WalletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	balance, err := h.wallet.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found.")
			return
		}
		log.Printf("level=error component=api endpoint=wallet_balance user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch balance")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// WalletHistoryHandler returns the caller's ledger entries, newest first.
func (h *VendingHandlers) WalletHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.wallet.History(r.Context(), userID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=wallet_history user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transactions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// WalletTransferHandler moves funds between two internal wallets.
func (h *VendingHandlers) WalletTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	entry, err := h.wallet.Transfer(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrTransactionPINNotSet):
			h.writeError(w, http.StatusPreconditionFailed, "Transaction PIN is not set. Please create your PIN first.")
		case errors.Is(err, app.ErrTransactionPINLocked):
			h.writeError(w, http.StatusLocked, "Too many incorrect PIN attempts. Please wait and try again.")
		case errors.Is(err, app.ErrInvalidTransactionPIN):
			h.writeError(w, http.StatusUnauthorized, "Invalid transaction PIN.")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance.")
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found.")
		default:
			log.Printf("level=error component=api endpoint=wallet_transfer user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process transfer")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// VendorHealthHandler exposes the health snapshot of all vendors (ops only).
func (h *VendingHandlers) VendorHealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"vendors": h.health.Snapshot()})
}

// ReconcileHandler runs one reconciliation sweep on demand (ops only).
func (h *VendingHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	settled, err := h.reconciler.Sweep(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Reconciliation sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"settled": settled})
}

// RefundHandler reverses a debit entry for a user (ops only).
func (h *VendingHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        uuid.UUID `json:"user_id"`
		TransactionID uuid.UUID `json:"transaction_id"`
		Reason        string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "Reason is required.")
		return
	}

	refund, err := h.wallet.Refund(r.Context(), req.UserID, req.TransactionID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Transaction not found.")
		case errors.Is(err, store.ErrAlreadyRefunded):
			h.writeError(w, http.StatusConflict, "Transaction is already refunded.")
		case errors.Is(err, store.ErrNotADebit):
			h.writeError(w, http.StatusUnprocessableEntity, "Only debit entries can be refunded.")
		default:
			log.Printf("level=error component=api endpoint=refund transaction_id=%s err=%v", req.TransactionID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process refund")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// ListRoutingRulesHandler lists routing rules (ops only).
func (h *VendingHandlers) ListRoutingRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListRoutingRules(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Unable to list routing rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// CreateRoutingRuleHandler creates a routing rule (ops only).
func (h *VendingHandlers) CreateRoutingRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule domain.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if !rule.Service.Valid() || rule.PrimaryVendor == "" {
		h.writeError(w, http.StatusBadRequest, "Service and primary vendor are required.")
		return
	}

	if err := h.repo.CreateRoutingRule(r.Context(), &rule); err != nil {
		log.Printf("level=error component=api endpoint=create_routing_rule err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create routing rule")
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// ListMarginRulesHandler lists active margin rules for a service (ops only).
func (h *VendingHandlers) ListMarginRulesHandler(w http.ResponseWriter, r *http.Request) {
	service := domain.ServiceType(strings.ToLower(r.URL.Query().Get("service")))
	if !service.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown or missing service.")
		return
	}

	rules, err := h.repo.ListMarginRules(r.Context(), service)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Unable to list margin rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// CreateMarginRuleHandler creates a margin rule (ops only).
func (h *VendingHandlers) CreateMarginRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule domain.MarginRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if !rule.Service.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown or missing service.")
		return
	}
	if rule.Type != domain.MarginFixed && rule.Type != domain.MarginPercentage {
		h.writeError(w, http.StatusBadRequest, "Margin type must be fixed or percentage.")
		return
	}
	if rule.Value < 0 {
		h.writeError(w, http.StatusBadRequest, "Margin value must not be negative.")
		return
	}

	if err := h.repo.CreateMarginRule(r.Context(), &rule); err != nil {
		log.Printf("level=error component=api endpoint=create_margin_rule err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create margin rule")
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// writeJSON is a helper for writing JSON responses.
func (h *VendingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *VendingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
