package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/billpoint/vending-service/pkg/rabbitmq"
	"github.com/billpoint/vending-service/pkg/vendors"
	"github.com/google/uuid"
)

// publisherStub records events instead of talking to a broker.
type publisherStub struct {
	purchaseEvents []rabbitmq.PurchaseEvent
	refundEvents   []rabbitmq.RefundEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishPurchaseEvent(ctx context.Context, event rabbitmq.PurchaseEvent) error {
	p.purchaseEvents = append(p.purchaseEvents, event)
	return nil
}

func (p *publisherStub) PublishRefundEvent(ctx context.Context, event rabbitmq.RefundEvent) error {
	p.refundEvents = append(p.refundEvents, event)
	return nil
}

func (p *publisherStub) Close() {}

type serviceFixture struct {
	svc       *Service
	repo      *repoStub
	publisher *publisherStub

	debits     []*domain.Transaction
	refunded   []uuid.UUID
	completed  []uuid.UUID
}

func newServiceFixture(t *testing.T, adapters []vendor.Adapter) *serviceFixture {
	t.Helper()

	f := &serviceFixture{publisher: &publisherStub{}}
	f.repo = &repoStub{
		getRoutingRuleFn: func(ctx context.Context, service domain.ServiceType, network domain.Network) (*domain.RoutingRule, error) {
			return nil, store.ErrRoutingRuleNotFound
		},
		listMarginRulesFn: func(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
			return []domain.MarginRule{marginRule("", "", domain.MarginFixed, 10_00)}, nil
		},
		debitForPurchaseFn: func(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error) {
			f.debits = append(f.debits, entry)
			return entry, true, nil
		},
		recordDispatchFn: func(ctx context.Context, entryID uuid.UUID, vendorName string, calledAt time.Time) error {
			return nil
		},
		markCompletedFn: func(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) (bool, error) {
			f.completed = append(f.completed, entryID)
			return true, nil
		},
		failAndRefundFn: func(ctx context.Context, entryID uuid.UUID, reason string) (*domain.Transaction, error) {
			f.refunded = append(f.refunded, entryID)
			return &domain.Transaction{ID: uuid.New(), Type: domain.TxTypeRefund, RefundOfID: &entryID}, nil
		},
		appendDetailsFn: func(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) error {
			return nil
		},
	}

	health := NewHealthManager(adapters)
	router := NewRouter(f.repo, health, adapters, RouterConfig{DefaultVendor: adapters[0].Name()})
	pricing := NewPricingEngine(f.repo)
	f.svc = NewService(f.repo, router, health, pricing, f.publisher, ServiceConfig{MaxVendorAttempts: 2})
	return f
}

func airtimeRequest() domain.PurchaseRequest {
	return domain.PurchaseRequest{
		Service:   domain.ServiceAirtime,
		Recipient: "+2348031234567",
		Amount:    1000_00,
	}
}

func TestPurchaseHappyPath(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	result, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected success, got message %q", result.Message)
	}
	if len(f.debits) != 1 {
		t.Fatalf("expected exactly one debit, got %d", len(f.debits))
	}
	debit := f.debits[0]
	if debit.Amount != -(1000_00 + 10_00) {
		t.Fatalf("expected debit of sell price -101000, got %d", debit.Amount)
	}
	if debit.Recipient != "08031234567" {
		t.Fatalf("recipient should be normalized, got %q", debit.Recipient)
	}
	if debit.Network != domain.NetworkMTN {
		t.Fatalf("network should be auto-detected as mtn, got %q", debit.Network)
	}
	if len(f.completed) != 1 {
		t.Fatal("entry should have been marked completed")
	}
	if len(f.publisher.purchaseEvents) != 1 {
		t.Fatal("a purchase event should have been published")
	}
}

func TestPurchaseFailsOverThenRefunds(t *testing.T) {
	failing := &adapterStub{
		name: "clubkonnect",
		purchaseFn: func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
			return &vendor.Outcome{Status: vendor.StatusFailed, Message: "insufficient vendor float"}, nil
		},
	}
	alsoFailing := &adapterStub{
		name: "gsubz",
		purchaseFn: func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
			return nil, errors.New("http 500")
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{failing, alsoFailing})

	result, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if err != nil {
		t.Fatalf("vendor failure must not surface as an error: %v", err)
	}
	if result.Succeeded {
		t.Fatal("expected failure result")
	}
	if len(f.refunded) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(f.refunded))
	}
	if len(f.publisher.refundEvents) != 1 {
		t.Fatal("a refund event should have been published")
	}
}

func TestPurchaseFailoverSucceedsOnSecondVendor(t *testing.T) {
	failing := &adapterStub{
		name: "clubkonnect",
		purchaseFn: func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
			return nil, errors.New("connection reset")
		},
	}
	healthy := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{failing, healthy})

	result, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected the second vendor to fulfill, got %q", result.Message)
	}
	if len(f.refunded) != 0 {
		t.Fatal("no refund should be issued when failover succeeds")
	}
	if len(f.debits) != 1 {
		t.Fatalf("failover must not debit twice, got %d debits", len(f.debits))
	}
}

func TestPurchaseDuplicateIdempotencyKeyReturnsOriginal(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	original := &domain.Transaction{
		ID:     uuid.New(),
		Status: domain.TxStatusCompleted,
		Amount: -1010_00,
	}
	f.repo.debitForPurchaseFn = func(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error) {
		return original, false, nil
	}

	req := airtimeRequest()
	req.IdempotencyKey = "idem_abc"
	result, err := f.svc.Purchase(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if result.Entry.ID != original.ID {
		t.Fatal("duplicate request must return the original entry")
	}
	if !result.Succeeded {
		t.Fatal("the original entry was completed, so the duplicate reply should say so")
	}
	if len(f.completed) != 0 {
		t.Fatal("a duplicate must not dispatch to any vendor")
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	f.repo.debitForPurchaseFn = func(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error) {
		return nil, false, store.ErrInsufficientFunds
	}

	_, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPurchaseAmbiguousOutcomeStaysPending(t *testing.T) {
	adapter := &adapterStub{
		name: "vtpass",
		purchaseFn: func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
			return &vendor.Outcome{Status: vendor.StatusProcessing, RawStatus: "initiated"}, nil
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	result, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if result.Succeeded {
		t.Fatal("processing outcome is not success")
	}
	if len(f.refunded) != 0 {
		t.Fatal("an ambiguous outcome must never be refunded")
	}
	if result.Entry.Status != domain.TxStatusPending {
		t.Fatalf("entry should stay pending, got %s", result.Entry.Status)
	}
}

func TestPurchaseTimeoutWithLateCompletionStaysPending(t *testing.T) {
	adapter := &adapterStub{
		name:                  "vtpass",
		completesAfterTimeout: true,
		purchaseFn: func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
			return nil, context.DeadlineExceeded
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	result, err := f.svc.Purchase(context.Background(), uuid.New(), airtimeRequest())
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if len(f.refunded) != 0 {
		t.Fatal("a timeout against a late-completing vendor must not refund")
	}
	if result.Entry.Status != domain.TxStatusPending {
		t.Fatalf("entry should stay pending, got %s", result.Entry.Status)
	}
}

func TestPurchasePlanPriceIgnoresClientAmount(t *testing.T) {
	adapter := &adapterStub{
		name: "vtpass",
		plansFn: func(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
			return []domain.Plan{{Code: "P1000", Name: "1GB monthly", Price: 1000_00}}, nil
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	var dispatched vendor.PurchaseRequest
	adapter.purchaseFn = func(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
		dispatched = req
		return &vendor.Outcome{Status: vendor.StatusCompleted, RawStatus: "successful"}, nil
	}

	req := domain.PurchaseRequest{
		Service:   domain.ServiceData,
		Recipient: "08031234567",
		PlanCode:  "P1000",
		Amount:    1, // must not influence what the wallet pays
	}
	result, err := f.svc.Purchase(context.Background(), uuid.New(), req)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected success, got %q", result.Message)
	}
	if len(f.debits) != 1 {
		t.Fatalf("expected one debit, got %d", len(f.debits))
	}
	debit := f.debits[0]
	if debit.CostPrice != 1000_00 {
		t.Fatalf("cost price must come from the vendor plan catalog, got %d", debit.CostPrice)
	}
	if debit.Amount != -(1000_00 + 10_00) {
		t.Fatalf("debit must be the plan sell price, got %d", debit.Amount)
	}
	if dispatched.Amount != 1000_00 {
		t.Fatalf("vendor must be asked for the plan price, got %d", dispatched.Amount)
	}
}

func TestPurchaseRejectsUnknownPlanCode(t *testing.T) {
	adapter := &adapterStub{
		name: "vtpass",
		plansFn: func(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
			return []domain.Plan{{Code: "P1000", Price: 1000_00}}, nil
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	req := domain.PurchaseRequest{
		Service:   domain.ServiceData,
		Recipient: "08031234567",
		PlanCode:  "NOPE",
	}
	if _, err := f.svc.Purchase(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidPurchase) {
		t.Fatalf("expected ErrInvalidPurchase for unknown plan code, got %v", err)
	}
	if len(f.debits) != 0 {
		t.Fatal("an unresolvable plan must never touch the wallet")
	}
}

func TestPurchaseRejectsInvalidRequests(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	tests := []struct {
		name string
		req  domain.PurchaseRequest
	}{
		{"unknown service", domain.PurchaseRequest{Service: "crypto", Recipient: "08031234567", Amount: 100}},
		{"missing recipient", domain.PurchaseRequest{Service: domain.ServiceAirtime, Amount: 100}},
		{"airtime without amount", domain.PurchaseRequest{Service: domain.ServiceAirtime, Recipient: "08031234567"}},
		{"data without plan", domain.PurchaseRequest{Service: domain.ServiceData, Recipient: "08031234567", Amount: 1000_00}},
		{"cable without plan", domain.PurchaseRequest{Service: domain.ServiceCable, Recipient: "1234567890", Amount: 1000_00}},
		{"electricity without amount", domain.PurchaseRequest{Service: domain.ServiceElectricity, Recipient: "45021234567", PlanCode: "prepaid"}},
		{"electricity without variation", domain.PurchaseRequest{Service: domain.ServiceElectricity, Recipient: "45021234567", Amount: 5000_00}},
		{"betting without amount", domain.PurchaseRequest{Service: domain.ServiceBetting, Recipient: "10054321"}},
		{"bad phone number", domain.PurchaseRequest{Service: domain.ServiceAirtime, Recipient: "12345", Amount: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Purchase(context.Background(), uuid.New(), tt.req)
			if !errors.Is(err, ErrInvalidPurchase) {
				t.Fatalf("expected ErrInvalidPurchase, got %v", err)
			}
		})
	}
	if len(f.debits) != 0 {
		t.Fatal("invalid requests must never touch the wallet")
	}
}

func TestRetryPurchaseReRunsFailedEntry(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	userID := uuid.New()
	failed := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      domain.TxTypePurchase,
		Service:   domain.ServiceAirtime,
		Network:   domain.NetworkMTN,
		Status:    domain.TxStatusFailed,
		Reference: "vend_failed",
		Recipient: "08031234567",
		CostPrice: 1000_00,
	}
	f.repo.findByReferenceFn = func(ctx context.Context, reference string) (*domain.Transaction, error) {
		return failed, nil
	}

	result, err := f.svc.RetryPurchase(context.Background(), userID, "vend_failed")
	if err != nil {
		t.Fatalf("RetryPurchase returned error: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected the retry to fulfill, got %q", result.Message)
	}
	if len(f.debits) != 1 {
		t.Fatalf("retry must debit exactly once, got %d", len(f.debits))
	}
	if f.debits[0].Reference == failed.Reference {
		t.Fatal("retry must issue a fresh reference")
	}
}

func TestRetryPurchaseRejectsNonFailedEntry(t *testing.T) {
	adapter := &adapterStub{name: "vtpass"}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	userID := uuid.New()
	f.repo.findByReferenceFn = func(ctx context.Context, reference string) (*domain.Transaction, error) {
		return &domain.Transaction{ID: uuid.New(), UserID: userID, Status: domain.TxStatusPending, Reference: reference}, nil
	}

	if _, err := f.svc.RetryPurchase(context.Background(), userID, "vend_pending"); !errors.Is(err, ErrInvalidPurchase) {
		t.Fatalf("expected ErrInvalidPurchase for a pending entry, got %v", err)
	}
	if _, err := f.svc.RetryPurchase(context.Background(), uuid.New(), "vend_pending"); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected not-found for another user's entry, got %v", err)
	}
	if len(f.debits) != 0 {
		t.Fatal("a rejected retry must never touch the wallet")
	}
}

func TestRequerySettlesCompletedPurchase(t *testing.T) {
	adapter := &adapterStub{
		name: "vtpass",
		queryFn: func(ctx context.Context, reference string) (*vendor.Outcome, error) {
			return &vendor.Outcome{Status: vendor.StatusCompleted, RawStatus: "delivered", VendorRef: "vt_9"}, nil
		},
	}
	f := newServiceFixture(t, []vendor.Adapter{adapter})

	pending := &domain.Transaction{
		ID:         uuid.New(),
		Status:     domain.TxStatusPending,
		Reference:  "vend_x",
		VendorName: "vtpass",
	}
	f.repo.findByReferenceFn = func(ctx context.Context, reference string) (*domain.Transaction, error) {
		return pending, nil
	}

	entry, err := f.svc.Requery(context.Background(), "vend_x")
	if err != nil {
		t.Fatalf("Requery returned error: %v", err)
	}
	if entry.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed after requery, got %s", entry.Status)
	}
	if len(f.completed) != 1 {
		t.Fatal("requery should have settled the entry")
	}
}
