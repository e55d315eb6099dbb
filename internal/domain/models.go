/**
 * @description
 * This file defines the core domain models for the vending-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 * - Ledger entry amounts are signed: credits are positive, debits are negative.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType identifies the category of digital product being purchased.
type ServiceType string

const (
	ServiceAirtime     ServiceType = "airtime"
	ServiceData        ServiceType = "data"
	ServiceElectricity ServiceType = "electricity"
	ServiceCable       ServiceType = "cable"
	ServiceBetting     ServiceType = "betting"
	ServiceExamPin     ServiceType = "exam_pin"
)

// PhoneBased reports whether the recipient identifier for this service is a phone number.
func (s ServiceType) PhoneBased() bool {
	return s == ServiceAirtime || s == ServiceData
}

// PlanPriced reports whether purchases for this service are priced from a
// vendor plan catalog rather than a caller-chosen amount.
func (s ServiceType) PlanPriced() bool {
	return s == ServiceData || s == ServiceCable || s == ServiceExamPin
}

// Valid reports whether the service type is one the platform sells.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceAirtime, ServiceData, ServiceElectricity, ServiceCable, ServiceBetting, ServiceExamPin:
		return true
	}
	return false
}

// Network identifies a mobile carrier.
type Network string

const (
	NetworkMTN     Network = "mtn"
	NetworkGlo     Network = "glo"
	NetworkAirtel  Network = "airtel"
	Network9Mobile Network = "9mobile"
)

// Transaction status values for the internal ledger.
// A purchase entry is created as pending and transitions exactly once to a
// terminal status (completed or failed). Refund entries are created as completed.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusRefunded  = "refunded"
)

// Transaction entry types.
const (
	TxTypePurchase = "purchase"
	TxTypeRefund   = "refund"
	TxTypeTransfer = "transfer"
	TxTypeDeposit  = "deposit"
)

// Transaction represents one immutable record in the wallet's append-only ledger.
// The amount/type/reference of a historical entry are never rewritten; only status
// and the details blob may be appended to over time.
type Transaction struct {
	ID             uuid.UUID              `json:"id"`
	UserID         uuid.UUID              `json:"user_id"`
	Type           string                 `json:"type"`
	Service        ServiceType            `json:"service,omitempty"`
	Network        Network                `json:"network,omitempty"`
	Status         string                 `json:"status"`
	Amount         int64                  `json:"amount"` // signed kobo; credit > 0, debit < 0
	BalanceBefore  int64                  `json:"balance_before"`
	BalanceAfter   int64                  `json:"balance_after"`
	Reference      string                 `json:"reference"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Recipient      string                 `json:"recipient,omitempty"`
	PlanCode       string                 `json:"plan_code,omitempty"`
	CostPrice      int64                  `json:"cost_price,omitempty"`
	SellPrice      int64                  `json:"sell_price,omitempty"`
	Profit         int64                  `json:"profit,omitempty"`
	VendorName     string                 `json:"vendor_name,omitempty"`
	VendorRef      *string                `json:"vendor_ref,omitempty"`
	VendorStatus   *string                `json:"vendor_status,omitempty"`
	RefundOfID     *uuid.UUID             `json:"refund_of_id,omitempty"`
	RefundedByID   *uuid.UUID             `json:"refunded_by_id,omitempty"`
	FailureReason  *string                `json:"failure_reason,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	VendorCalledAt *time.Time             `json:"vendor_called_at,omitempty"`
	VendorRepliedAt *time.Time            `json:"vendor_replied_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// IsDebit reports whether the entry moved money out of the wallet.
func (t *Transaction) IsDebit() bool { return t.Amount < 0 }

// Wallet is a user's internal balance. The balance column is a cached projection
// of the ledger and is only ever mutated together with a ledger entry insert.
type Wallet struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"` // in kobo
	UpdatedAt time.Time `json:"updated_at"`
}

// PurchaseRequest is the ephemeral DTO for one purchase attempt. It is not
// persisted as its own entity; it becomes a ledger entry.
type PurchaseRequest struct {
	Service        ServiceType            `json:"service"`
	Network        Network                `json:"network,omitempty"` // optional, auto-detected for phone services
	Recipient      string                 `json:"recipient"`
	Amount         int64                  `json:"amount,omitempty"` // kobo, for variable-amount services
	PlanCode       string                 `json:"plan_code,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// PurchaseResult is what the orchestrator returns to the caller. A vendor-side
// failure is never surfaced as a raw error; the caller always gets the ledger
// reference needed to reconcile later.
type PurchaseResult struct {
	Entry     *Transaction `json:"entry"`
	Succeeded bool         `json:"succeeded"`
	Simulated bool         `json:"simulated,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Plan is a purchasable product variation (data bundle, cable bouquet, exam pin)
// as listed by a vendor. Price is the vendor cost price in kobo.
type Plan struct {
	Code     string      `json:"code"`
	Name     string      `json:"name"`
	Service  ServiceType `json:"service"`
	Network  Network     `json:"network,omitempty"`
	Price    int64       `json:"price"`
	Validity string      `json:"validity,omitempty"`
}

// RoutingRule maps a (service, network) pair to an ordered primary/fallback
// vendor choice. Rules are admin-managed and read-only at request time.
type RoutingRule struct {
	ID             uuid.UUID   `json:"id"`
	Service        ServiceType `json:"service"`
	Network        Network     `json:"network,omitempty"` // empty matches any network
	PrimaryVendor  string      `json:"primary_vendor"`
	FallbackVendor string      `json:"fallback_vendor,omitempty"`
	Active         bool        `json:"active"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Margin types for profit margin rules.
const (
	MarginFixed      = "fixed"
	MarginPercentage = "percentage"
)

// MarginRule configures the profit added on top of a vendor cost price.
// Vendor and Network are optional; the most specific matching rule wins.
type MarginRule struct {
	ID        uuid.UUID   `json:"id"`
	Service   ServiceType `json:"service"`
	Vendor    string      `json:"vendor,omitempty"`
	Network   Network     `json:"network,omitempty"`
	Type      string      `json:"type"`  // fixed | percentage
	Value     int64       `json:"value"` // kobo for fixed, whole percent for percentage
	MinAmount *int64      `json:"min_amount,omitempty"` // inclusive cost-price bound, kobo
	MaxAmount *int64      `json:"max_amount,omitempty"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// Price is the output of the pricing engine for one purchase.
type Price struct {
	CostPrice   int64  `json:"cost_price"`
	SellPrice   int64  `json:"sell_price"`
	Profit      int64  `json:"profit"`
	MarginType  string `json:"margin_type"`
	MarginValue int64  `json:"margin_value"`
}

// TransferRequest is the DTO for an internal wallet-to-wallet transfer.
type TransferRequest struct {
	RecipientID    uuid.UUID `json:"recipient_id"`
	Amount         int64     `json:"amount"` // in kobo
	Narration      string    `json:"narration,omitempty"`
	TransactionPIN string    `json:"transaction_pin"`
}

// UserSecurityCredential stores server-owned transaction PIN security metadata.
type UserSecurityCredential struct {
	UserID             uuid.UUID  `json:"user_id"`
	TransactionPINHash string     `json:"-"`
	FailedAttempts     int        `json:"failed_attempts"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
}

// VerifyCustomerRequest asks a vendor to validate a recipient identifier
// (meter number, smartcard number, betting account id) before purchase.
type VerifyCustomerRequest struct {
	Service  ServiceType `json:"service"`
	Provider string      `json:"provider"` // e.g. disco or cable provider code
	Account  string      `json:"account"`
	Vendor   string      `json:"vendor,omitempty"` // optional explicit vendor
}
