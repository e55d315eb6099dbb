package app

import (
	"context"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/google/uuid"
)

// repoStub embeds the Repository interface so each test only overrides the
// methods it exercises. Calling an un-overridden method panics, which is the
// desired failure mode in tests.
type repoStub struct {
	store.Repository

	getBalanceFn         func(ctx context.Context, userID uuid.UUID) (int64, error)
	debitForPurchaseFn   func(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error)
	failAndRefundFn      func(ctx context.Context, entryID uuid.UUID, reason string) (*domain.Transaction, error)
	findByIDFn           func(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	findByReferenceFn    func(ctx context.Context, reference string) (*domain.Transaction, error)
	listMarginRulesFn    func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error)
	getRoutingRuleFn     func(ctx context.Context, service domain.ServiceType, network domain.Network) (*domain.RoutingRule, error)
	recordDispatchFn     func(ctx context.Context, entryID uuid.UUID, vendorName string, calledAt time.Time) error
	markCompletedFn      func(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) (bool, error)
	appendDetailsFn      func(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) error
	listPendingVendorFn  func(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}

func (s *repoStub) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.getBalanceFn(ctx, userID)
}

func (s *repoStub) DebitForPurchase(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error) {
	return s.debitForPurchaseFn(ctx, entry)
}

func (s *repoStub) FailAndRefund(ctx context.Context, entryID uuid.UUID, reason string) (*domain.Transaction, error) {
	return s.failAndRefundFn(ctx, entryID, reason)
}

func (s *repoStub) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.findByIDFn(ctx, id)
}

func (s *repoStub) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.findByReferenceFn(ctx, reference)
}

func (s *repoStub) ListMarginRules(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
	return s.listMarginRulesFn(ctx, service)
}

func (s *repoStub) GetRoutingRule(ctx context.Context, service domain.ServiceType, network domain.Network) (*domain.RoutingRule, error) {
	return s.getRoutingRuleFn(ctx, service, network)
}

func (s *repoStub) RecordVendorDispatch(ctx context.Context, entryID uuid.UUID, vendorName string, calledAt time.Time) error {
	return s.recordDispatchFn(ctx, entryID, vendorName, calledAt)
}

func (s *repoStub) MarkPurchaseCompleted(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) (bool, error) {
	return s.markCompletedFn(ctx, entryID, vendorRef, vendorStatus, details)
}

func (s *repoStub) AppendVendorDetails(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) error {
	return s.appendDetailsFn(ctx, entryID, vendorRef, vendorStatus, details)
}

func (s *repoStub) ListPendingVendorTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return s.listPendingVendorFn(ctx, olderThan, limit)
}
