/**
 * @description
 * This file sets up the HTTP router for the vending-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/billpoint/vending-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// VendingRoutes creates and returns a new router for the vending service.
func VendingRoutes(h *VendingHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", metrics.Handler())

	// Group routes that require user authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/purchases", h.PurchaseHandler)
		r.Get("/purchases/{reference}", h.PurchaseStatusHandler)
		r.Post("/purchases/{reference}/requery", h.PurchaseRequeryHandler)
		r.Post("/purchases/{reference}/retry", h.PurchaseRetryHandler)

		r.Get("/plans", h.PlansHandler)
		r.Post("/verify-customer", h.VerifyCustomerHandler)

		r.Get("/wallet/balance", h.WalletBalanceHandler)
		r.Get("/wallet/transactions", h.WalletHistoryHandler)
		r.Post("/wallet/transfer", h.WalletTransferHandler)
	})

	// Internal/ops routes guarded by the shared API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Get("/internal/vendors/health", h.VendorHealthHandler)
		r.Post("/internal/reconcile", h.ReconcileHandler)
		r.Post("/internal/refunds", h.RefundHandler)

		r.Get("/internal/routing-rules", h.ListRoutingRulesHandler)
		r.Post("/internal/routing-rules", h.CreateRoutingRuleHandler)
		r.Get("/internal/margin-rules", h.ListMarginRulesHandler)
		r.Post("/internal/margin-rules", h.CreateMarginRuleHandler)
	})

	return r
}
