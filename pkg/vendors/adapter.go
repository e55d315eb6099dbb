/**
 * @description
 * This package defines the capability surface shared by every upstream supplier
 * ("vendor") adapter. Concrete adapters live in subpackages (vtpass, clubkonnect,
 * payscribe, gsubz) and differ in authentication scheme, request shape, and status
 * vocabulary; everything above this interface is vendor-agnostic.
 *
 * @notes
 * - Customer verification is an optional capability. Callers must type-assert for
 *   CustomerVerifier before use; not every vendor exposes a verify endpoint.
 * - Adapters retry their own transient errors (network, 5xx) with a bounded
 *   backoff. Switching to a different vendor entirely is the orchestrator's job.
 */
package vendor

import (
	"context"

	"github.com/billpoint/vending-service/internal/domain"
)

// Adapter is the common capability set implemented by every vendor integration.
type Adapter interface {
	// Name returns the stable vendor identifier used in routing rules,
	// margin rules, and ledger entries.
	Name() string

	// Authenticate acquires or refreshes whatever credential the vendor needs.
	// Adapters with static credentials implement this as a no-op.
	Authenticate(ctx context.Context) error

	// IsAuthenticated reports whether a purchase call can proceed without a
	// fresh Authenticate. Adapters with expiring tokens re-auth transparently.
	IsAuthenticated() bool

	// Balance fetches the vendor-side float balance. Doubles as the health probe.
	Balance(ctx context.Context) (*Balance, error)

	// Plans lists purchasable variations for a service, optionally filtered by
	// network. Prices are vendor cost prices in kobo.
	Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error)

	// Purchase submits a fulfillment request. The request carries the caller's
	// reference, which the vendor must treat as an idempotency key.
	Purchase(ctx context.Context, req PurchaseRequest) (*Outcome, error)

	// QueryTransaction re-fetches the vendor's view of a prior purchase.
	QueryTransaction(ctx context.Context, reference string) (*Outcome, error)
}

// CustomerVerifier is the optional verification capability (meter numbers,
// smartcard numbers, betting account ids).
type CustomerVerifier interface {
	VerifyCustomer(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}

// TimeoutBehavior captures whether a vendor is known to sometimes complete a
// purchase after its HTTP response has timed out. When true, a timed-out call
// leaves the ledger entry pending for reconciliation instead of refunding.
type TimeoutBehavior interface {
	CompletesAfterTimeout() bool
}

// PurchaseRequest is the vendor-facing purchase payload, already normalized and
// priced by the orchestrator.
type PurchaseRequest struct {
	Service   domain.ServiceType
	Network   domain.Network
	Recipient string
	Amount    int64 // cost price in kobo
	PlanCode  string
	Reference string // our globally unique reference; vendor-side idempotency key
}

// VerifyRequest asks the vendor to validate a recipient identifier.
type VerifyRequest struct {
	Service  domain.ServiceType
	Provider string // disco / cable provider / bookmaker code
	Account  string
}

// VerifyResult is the canonical verification outcome.
type VerifyResult struct {
	IsValid      bool                   `json:"is_valid"`
	CustomerName string                 `json:"customer_name,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Balance is a vendor float balance.
type Balance struct {
	Amount   int64  `json:"amount"` // in kobo
	Currency string `json:"currency"`
}

// Outcome is the canonical result of a purchase or status query.
type Outcome struct {
	Status    Status                 `json:"status"`
	RawStatus string                 `json:"raw_status"` // vendor's own vocabulary, for the ledger details blob
	VendorRef string                 `json:"vendor_ref,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Simulated bool                   `json:"simulated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SimulatedOutcome builds the clearly-tagged fake success returned when an
// adapter runs in simulation mode. The tag is part of the outcome metadata so
// callers never confuse simulated and real money movement.
func SimulatedOutcome(reference string) *Outcome {
	return &Outcome{
		Status:    StatusCompleted,
		RawStatus: "simulated",
		VendorRef: "sim_" + reference,
		Message:   "simulated purchase (no live vendor call)",
		Simulated: true,
		Metadata:  map[string]interface{}{"channel": "simulated"},
	}
}
