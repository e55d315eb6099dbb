/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the vending-service core. By defining an
 * interface, we decouple the orchestration logic from the PostgreSQL implementation
 * and make the service testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Wallet methods. The wallet balance is a cached projection of the ledger
	// and is only ever mutated together with a ledger entry insert.
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)

	// DebitForPurchase atomically re-reads the balance, enforces the
	// non-negative floor, decrements it, and inserts the given pending ledger
	// entry, all in one database transaction. The entry's idempotency key is
	// enforced by a unique index: on a duplicate the original entry is
	// returned with created=false and no money moves.
	DebitForPurchase(ctx context.Context, entry *domain.Transaction) (result *domain.Transaction, created bool, err error)

	// Credit atomically increments the balance and inserts the given entry.
	Credit(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, error)

	// FailAndRefund atomically marks a pending purchase entry as failed and
	// credits its absolute amount back as a new refund entry referencing the
	// original. Both writes happen in one transaction or not at all.
	// Refunding an entry that is already terminal returns ErrAlreadyFinal.
	FailAndRefund(ctx context.Context, entryID uuid.UUID, reason string) (*domain.Transaction, error)

	// RefundCompleted refunds a debit entry outside the purchase flow
	// (operator-driven reversal of an entry the vendor later reversed).
	// Rejects non-debit, already-refunded, and foreign entries.
	RefundCompleted(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, reason string) (*domain.Transaction, error)

	// Transfer composes a debit and a credit for two users as one atomic unit.
	Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount int64, narration string) (*domain.Transaction, error)

	// Transaction (ledger entry) methods.
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)

	// ListPendingVendorTransactions returns purchase entries that were
	// dispatched to a vendor but never reached a terminal status, for the
	// reconciliation job.
	ListPendingVendorTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)

	// RecordVendorDispatch stamps the vendor name and call time on an entry.
	RecordVendorDispatch(ctx context.Context, entryID uuid.UUID, vendorName string, calledAt time.Time) error

	// MarkPurchaseCompleted transitions a pending entry to completed and stores
	// the vendor reference/status. The transition is guarded by the entry's
	// current status so only one observer of the vendor outcome wins; a false
	// return means the entry was already terminal.
	MarkPurchaseCompleted(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) (bool, error)

	// AppendVendorDetails merges fields into the entry's details blob and
	// optionally updates the vendor status, without touching the entry status.
	AppendVendorDetails(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) error

	// Routing rule methods.
	GetRoutingRule(ctx context.Context, service domain.ServiceType, network domain.Network) (*domain.RoutingRule, error)
	ListRoutingRules(ctx context.Context) ([]domain.RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error

	// Margin rule methods.
	ListMarginRules(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error)
	CreateMarginRule(ctx context.Context, rule *domain.MarginRule) error

	// Transaction PIN security methods.
	GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error)
	RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error)
	ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error
}
