package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type walletRepoStub struct {
	repoStub

	credential   *domain.UserSecurityCredential
	transferFn   func(ctx context.Context, senderID, receiverID uuid.UUID, amount int64, narration string) (*domain.Transaction, error)
	failedCalls  int
	resetCalls   int
	lockOnRecord bool
}

func (s *walletRepoStub) GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	return s.credential, nil
}

func (s *walletRepoStub) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error) {
	s.failedCalls++
	updated := *s.credential
	updated.FailedAttempts++
	if s.lockOnRecord {
		until := time.Now().Add(time.Duration(lockoutDurationSeconds) * time.Second)
		updated.LockedUntil = &until
	}
	return &updated, nil
}

func (s *walletRepoStub) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	s.resetCalls++
	return nil
}

func (s *walletRepoStub) Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount int64, narration string) (*domain.Transaction, error) {
	return s.transferFn(ctx, senderID, receiverID, amount, narration)
}

func newWalletFixture(t *testing.T, pin string) (*WalletService, *walletRepoStub) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash pin: %v", err)
	}
	repo := &walletRepoStub{
		credential: &domain.UserSecurityCredential{
			UserID:             uuid.New(),
			TransactionPINHash: string(hash),
		},
		transferFn: func(ctx context.Context, senderID, receiverID uuid.UUID, amount int64, narration string) (*domain.Transaction, error) {
			return &domain.Transaction{ID: uuid.New(), Amount: -amount, Type: domain.TxTypeTransfer}, nil
		},
	}
	svc := NewWalletService(repo, &publisherStub{}, WalletConfig{PINMaxAttempts: 3, PINLockoutDurationSec: 600})
	return svc, repo
}

func transferReq(pin string) domain.TransferRequest {
	return domain.TransferRequest{
		RecipientID:    uuid.New(),
		Amount:         500_00,
		Narration:      "lunch",
		TransactionPIN: pin,
	}
}

func TestTransferHappyPath(t *testing.T) {
	svc, repo := newWalletFixture(t, "1234")

	entry, err := svc.Transfer(context.Background(), uuid.New(), transferReq("1234"))
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if entry.Type != domain.TxTypeTransfer {
		t.Fatalf("expected transfer entry, got %s", entry.Type)
	}
	if repo.failedCalls != 0 {
		t.Fatal("a correct pin must not record a failed attempt")
	}
}

func TestTransferWrongPIN(t *testing.T) {
	svc, repo := newWalletFixture(t, "1234")

	_, err := svc.Transfer(context.Background(), uuid.New(), transferReq("9999"))
	if !errors.Is(err, ErrInvalidTransactionPIN) {
		t.Fatalf("expected ErrInvalidTransactionPIN, got %v", err)
	}
	if repo.failedCalls != 1 {
		t.Fatalf("wrong pin should record a failed attempt, got %d", repo.failedCalls)
	}
}

func TestTransferWrongPINTriggersLockout(t *testing.T) {
	svc, repo := newWalletFixture(t, "1234")
	repo.lockOnRecord = true

	_, err := svc.Transfer(context.Background(), uuid.New(), transferReq("9999"))
	if !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("expected ErrTransactionPINLocked, got %v", err)
	}
}

func TestTransferRejectedWhileLocked(t *testing.T) {
	svc, repo := newWalletFixture(t, "1234")
	until := time.Now().Add(10 * time.Minute)
	repo.credential.LockedUntil = &until

	_, err := svc.Transfer(context.Background(), uuid.New(), transferReq("1234"))
	if !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("a locked pin must reject even the correct pin, got %v", err)
	}
}

func TestTransferResetsFailureStateOnSuccess(t *testing.T) {
	svc, repo := newWalletFixture(t, "1234")
	repo.credential.FailedAttempts = 2

	if _, err := svc.Transfer(context.Background(), uuid.New(), transferReq("1234")); err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if repo.resetCalls != 1 {
		t.Fatal("success after failures should reset the failure state")
	}
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newWalletFixture(t, "1234")
	sender := uuid.New()

	tests := []struct {
		name string
		req  domain.TransferRequest
	}{
		{"zero amount", domain.TransferRequest{RecipientID: uuid.New(), Amount: 0, TransactionPIN: "1234"}},
		{"missing recipient", domain.TransferRequest{Amount: 100, TransactionPIN: "1234"}},
		{"self transfer", domain.TransferRequest{RecipientID: sender, Amount: 100, TransactionPIN: "1234"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Transfer(context.Background(), sender, tt.req)
			if !errors.Is(err, ErrInvalidTransfer) {
				t.Fatalf("expected ErrInvalidTransfer, got %v", err)
			}
		})
	}
}
