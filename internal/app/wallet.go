/**
 * @description
 * This file implements the wallet-facing operations that sit beside purchasing:
 * balance reads, ledger history, operator-driven refunds, and internal
 * wallet-to-wallet transfers guarded by the transaction PIN with a bounded
 * failed-attempt lockout.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: Transaction PIN hash comparison.
 * - internal/store: The atomic wallet operations.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/internal/metrics"
	"github.com/billpoint/vending-service/internal/store"
	"github.com/billpoint/vending-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidTransactionPIN = errors.New("invalid transaction pin")
	ErrTransactionPINLocked  = errors.New("transaction pin locked")
	ErrInvalidTransfer       = errors.New("invalid transfer request")
)

// WalletConfig tunes PIN lockout behavior.
type WalletConfig struct {
	PINMaxAttempts        int
	PINLockoutDurationSec int
}

// WalletService exposes wallet reads, transfers, and refunds.
type WalletService struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	cfg       WalletConfig
}

// NewWalletService wires the wallet operations.
func NewWalletService(repo store.Repository, publisher rabbitmq.Publisher, cfg WalletConfig) *WalletService {
	if cfg.PINMaxAttempts <= 0 {
		cfg.PINMaxAttempts = 5
	}
	if cfg.PINLockoutDurationSec <= 0 {
		cfg.PINLockoutDurationSec = 15 * 60
	}
	return &WalletService{repo: repo, publisher: publisher, cfg: cfg}
}

// Balance returns the user's current wallet balance in kobo.
func (s *WalletService) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// History returns the user's ledger entries, newest first.
func (s *WalletService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsByUserID(ctx, userID, limit, offset)
}

// Transfer moves funds between two internal wallets after verifying the
// sender's transaction PIN.
func (s *WalletService) Transfer(ctx context.Context, senderID uuid.UUID, req domain.TransferRequest) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if req.RecipientID == uuid.Nil {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidTransfer)
	}
	if senderID == req.RecipientID {
		return nil, fmt.Errorf("%w: cannot transfer to yourself", ErrInvalidTransfer)
	}

	if err := s.verifyTransactionPIN(ctx, senderID, req.TransactionPIN); err != nil {
		return nil, err
	}

	entry, err := s.repo.Transfer(ctx, senderID, req.RecipientID, req.Amount, req.Narration)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=wallet_service sender=%s recipient=%s amount=%d msg=\"transfer completed\"", senderID, req.RecipientID, req.Amount)
	return entry, nil
}

// Refund reverses a debit entry for a user and publishes the refund event.
func (s *WalletService) Refund(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, reason string) (*domain.Transaction, error) {
	refund, err := s.repo.RefundCompleted(ctx, userID, entryID, reason)
	if err != nil {
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues("manual").Inc()
	if err := s.publisher.PublishRefundEvent(ctx, rabbitmq.RefundEvent{
		TransactionID: refund.ID,
		OriginalID:    entryID,
		UserID:        userID,
		Amount:        refund.Amount,
		Reason:        reason,
		Timestamp:     time.Now(),
	}); err != nil {
		log.Printf("level=warn component=wallet_service entry_id=%s msg=\"refund event publish failed: %v\"", entryID, err)
	}
	return refund, nil
}

// verifyTransactionPIN checks the PIN against its bcrypt hash, enforcing the
// lockout window and resetting the failure counter on success.
func (s *WalletService) verifyTransactionPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	if pin == "" {
		return ErrInvalidTransactionPIN
	}

	credential, err := s.repo.GetUserSecurityCredentialByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if credential.LockedUntil != nil && credential.LockedUntil.After(time.Now()) {
		return fmt.Errorf("%w until %s", ErrTransactionPINLocked, credential.LockedUntil.Format(time.RFC3339))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(credential.TransactionPINHash), []byte(pin)); err != nil {
		updated, recErr := s.repo.RecordFailedTransactionPINAttempt(ctx, userID, s.cfg.PINMaxAttempts, s.cfg.PINLockoutDurationSec)
		if recErr != nil {
			log.Printf("level=error component=wallet_service user_id=%s msg=\"failed to record pin attempt: %v\"", userID, recErr)
			return ErrInvalidTransactionPIN
		}
		if updated.LockedUntil != nil && updated.LockedUntil.After(time.Now()) {
			return fmt.Errorf("%w until %s", ErrTransactionPINLocked, updated.LockedUntil.Format(time.RFC3339))
		}
		return ErrInvalidTransactionPIN
	}

	if credential.FailedAttempts > 0 {
		if err := s.repo.ResetTransactionPINFailureState(ctx, userID); err != nil {
			log.Printf("level=warn component=wallet_service user_id=%s msg=\"failed to reset pin failure state: %v\"", userID, err)
		}
	}
	return nil
}
