/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the safety-critical wallet operations: every balance mutation locks
 * the wallet row with `FOR UPDATE` and inserts its ledger entry inside the same
 * database transaction, so a debit-without-entry or entry-without-debit can never
 * be observed. Idempotency keys are enforced by a unique index, not by a
 * check-then-insert in application code.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrAlreadyFinal         = errors.New("transaction already in a terminal state")
	ErrAlreadyRefunded      = errors.New("transaction already refunded")
	ErrNotADebit            = errors.New("transaction is not a debit")
	ErrTransactionPINNotSet = errors.New("transaction pin not set")
	ErrRoutingRuleNotFound  = errors.New("routing rule not found")
	ErrSelfTransfer         = errors.New("cannot transfer to own wallet")
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const txColumns = `id, user_id, type, service, network, status, amount, balance_before, balance_after,
	reference, idempotency_key, recipient, plan_code, cost_price, sell_price, profit,
	vendor_name, vendor_ref, vendor_status, refund_of_id, refunded_by_id, failure_reason,
	details, vendor_called_at, vendor_replied_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var service, network, idemKey, recipient, planCode, vendorName *string
	var detailsRaw []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &service, &network, &t.Status, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Reference, &idemKey, &recipient,
		&planCode, &t.CostPrice, &t.SellPrice, &t.Profit, &vendorName,
		&t.VendorRef, &t.VendorStatus, &t.RefundOfID, &t.RefundedByID,
		&t.FailureReason, &detailsRaw, &t.VendorCalledAt, &t.VendorRepliedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if service != nil {
		t.Service = domain.ServiceType(*service)
	}
	if network != nil {
		t.Network = domain.Network(*network)
	}
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	if recipient != nil {
		t.Recipient = *recipient
	}
	if planCode != nil {
		t.PlanCode = *planCode
	}
	if vendorName != nil {
		t.VendorName = *vendorName
	}
	if len(detailsRaw) > 0 {
		_ = json.Unmarshal(detailsRaw, &t.Details)
	}
	return &t, nil
}

// GetWallet retrieves a user's wallet row.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `SELECT id, user_id, balance, updated_at FROM wallets WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetBalance is a direct read of the cached balance field.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrWalletNotFound
		}
		return 0, err
	}
	return balance, nil
}

// DebitForPurchase performs the single most safety-critical operation in the
// system: lock the wallet row, enforce the balance floor, decrement, and insert
// the pending ledger entry in one database transaction, with no interleaving.
func (r *PostgresRepository) DebitForPurchase(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, bool, error) {
	if entry.Amount >= 0 {
		return nil, false, fmt.Errorf("purchase debit amount must be negative, got %d", entry.Amount)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err = tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, entry.UserID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrWalletNotFound
		}
		return nil, false, err
	}

	debit := -entry.Amount
	if balance < debit {
		return nil, false, ErrInsufficientFunds
	}

	if _, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance - $1, updated_at = NOW() WHERE user_id = $2`, debit, entry.UserID); err != nil {
		return nil, false, err
	}

	inserted, err := insertEntry(ctx, tx, entry, balance, balance-debit)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			// The idempotency key is already bound to an entry. Roll the debit
			// back and hand the caller the original entry: at-most-once.
			_ = tx.Rollback(ctx)
			existing, findErr := r.FindTransactionByIdempotencyKey(ctx, entry.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return inserted, true, nil
}

// Credit atomically increments the balance and appends the ledger entry.
func (r *PostgresRepository) Credit(ctx context.Context, entry *domain.Transaction) (*domain.Transaction, error) {
	if entry.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", entry.Amount)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, entry.UserID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`, entry.Amount, entry.UserID); err != nil {
		return nil, err
	}

	inserted, err := insertEntry(ctx, tx, entry, balance, balance+entry.Amount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

// FailAndRefund marks a pending purchase as failed and credits the debited
// amount back, as one atomic unit. The status guard ensures the terminal
// transition happens exactly once even when the synchronous path and the
// reconciliation job race.
func (r *PostgresRepository) FailAndRefund(ctx context.Context, entryID uuid.UUID, reason string) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	original, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, entryID))
	if err != nil {
		return nil, err
	}
	if original.Status != domain.TxStatusPending {
		return nil, ErrAlreadyFinal
	}
	if !original.IsDebit() {
		return nil, ErrNotADebit
	}

	if _, err = tx.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3`,
		domain.TxStatusFailed, reason, entryID); err != nil {
		return nil, err
	}

	refundEntry, err := refundWithinTx(ctx, tx, original, reason)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return refundEntry, nil
}

// RefundCompleted reverses a debit entry outside the purchase flow, e.g. when a
// vendor reports a reversal during reconciliation. The original entry must
// belong to the user, be a debit, and not already be refunded.
func (r *PostgresRepository) RefundCompleted(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, reason string) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	original, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, entryID))
	if err != nil {
		return nil, err
	}
	if original.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	if !original.IsDebit() {
		return nil, ErrNotADebit
	}
	if original.RefundedByID != nil || original.Status == domain.TxStatusRefunded {
		return nil, ErrAlreadyRefunded
	}

	if _, err = tx.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3`,
		domain.TxStatusRefunded, reason, entryID); err != nil {
		return nil, err
	}

	refundEntry, err := refundWithinTx(ctx, tx, original, reason)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return refundEntry, nil
}

// refundWithinTx locks the wallet, credits back the original debit, inserts the
// refund entry, and cross-links the two by id. Caller owns the transaction.
func refundWithinTx(ctx context.Context, tx pgx.Tx, original *domain.Transaction, reason string) (*domain.Transaction, error) {
	if original.RefundedByID != nil {
		return nil, ErrAlreadyRefunded
	}

	amount := -original.Amount // original is a debit, so this is positive

	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, original.UserID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`, amount, original.UserID); err != nil {
		return nil, err
	}

	refundID := uuid.New()
	refundEntry := &domain.Transaction{
		ID:         refundID,
		UserID:     original.UserID,
		Type:       domain.TxTypeRefund,
		Service:    original.Service,
		Network:    original.Network,
		Status:     domain.TxStatusCompleted,
		Amount:     amount,
		Reference:  "rfd_" + original.Reference,
		RefundOfID: &original.ID,
		Details:    map[string]interface{}{"reason": reason},
	}

	inserted, err := insertEntry(ctx, tx, refundEntry, balance, balance+amount)
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE transactions SET refunded_by_id = $1, updated_at = NOW() WHERE id = $2`, refundID, original.ID); err != nil {
		return nil, err
	}
	return inserted, nil
}

// Transfer composes a debit and a credit across two wallets as one atomic unit.
// Wallet rows are locked in deterministic UUID order to avoid deadlocks between
// two opposing transfers.
func (r *PostgresRepository) Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount int64, narration string) (*domain.Transaction, error) {
	if senderID == receiverID {
		return nil, ErrSelfTransfer
	}
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	first, second := senderID, receiverID
	if receiverID.String() < senderID.String() {
		first, second = receiverID, senderID
	}

	balances := map[uuid.UUID]int64{}
	for _, id := range []uuid.UUID{first, second} {
		var balance int64
		err = tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, id).Scan(&balance)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, ErrWalletNotFound
			}
			return nil, err
		}
		balances[id] = balance
	}

	if balances[senderID] < amount {
		return nil, ErrInsufficientFunds
	}

	if _, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance - $1, updated_at = NOW() WHERE user_id = $2`, amount, senderID); err != nil {
		return nil, err
	}
	if _, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`, amount, receiverID); err != nil {
		return nil, err
	}

	reference := "trf_" + uuid.NewString()
	debitEntry := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    senderID,
		Type:      domain.TxTypeTransfer,
		Status:    domain.TxStatusCompleted,
		Amount:    -amount,
		Reference: reference,
		Details:   map[string]interface{}{"narration": narration, "counterparty": receiverID.String()},
	}
	inserted, err := insertEntry(ctx, tx, debitEntry, balances[senderID], balances[senderID]-amount)
	if err != nil {
		return nil, err
	}

	creditEntry := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    receiverID,
		Type:      domain.TxTypeTransfer,
		Status:    domain.TxStatusCompleted,
		Amount:    amount,
		Reference: reference + "_in",
		Details:   map[string]interface{}{"narration": narration, "counterparty": senderID.String()},
	}
	if _, err = insertEntry(ctx, tx, creditEntry, balances[receiverID], balances[receiverID]+amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

// insertEntry appends one ledger row inside the caller's transaction.
func insertEntry(ctx context.Context, tx pgx.Tx, entry *domain.Transaction, balanceBefore, balanceAfter int64) (*domain.Transaction, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	detailsRaw, err := json.Marshal(entry.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry details: %w", err)
	}
	if entry.Details == nil {
		detailsRaw = []byte(`{}`)
	}

	entry.BalanceBefore = balanceBefore
	entry.BalanceAfter = balanceAfter

	query := `
		INSERT INTO transactions (
			id, user_id, type, service, network, status, amount, balance_before, balance_after,
			reference, idempotency_key, recipient, plan_code, cost_price, sell_price, profit,
			vendor_name, refund_of_id, failure_reason, details, created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9,
			$10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16,
			NULLIF($17, ''), $18, NULLIF($19, ''), $20, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`
	var failureReason string
	if entry.FailureReason != nil {
		failureReason = *entry.FailureReason
	}
	err = tx.QueryRow(ctx, query,
		entry.ID, entry.UserID, entry.Type, string(entry.Service), string(entry.Network),
		entry.Status, entry.Amount, balanceBefore, balanceAfter,
		entry.Reference, entry.IdempotencyKey, entry.Recipient, entry.PlanCode,
		entry.CostPrice, entry.SellPrice, entry.Profit,
		entry.VendorName, entry.RefundOfID, failureReason, detailsRaw,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindTransactionByID retrieves one ledger entry by id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

// FindTransactionByReference retrieves one ledger entry by its unique reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = $1`, reference))
}

// FindTransactionByIdempotencyKey retrieves the entry bound to a key.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// ListTransactionsByUserID returns a user's ledger entries, newest first.
func (r *PostgresRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListPendingVendorTransactions returns dispatched purchase entries stuck in
// pending, oldest first, for the reconciliation job.
func (r *PostgresRepository) ListPendingVendorTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE type = $1 AND status = $2 AND vendor_name IS NOT NULL AND created_at < $3
		 ORDER BY created_at ASC LIMIT $4`,
		domain.TxTypePurchase, domain.TxStatusPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	var result []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// RecordVendorDispatch stamps the vendor chosen for an entry and the call time.
func (r *PostgresRepository) RecordVendorDispatch(ctx context.Context, entryID uuid.UUID, vendorName string, calledAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE transactions SET vendor_name = $1, vendor_called_at = $2, updated_at = NOW() WHERE id = $3`,
		vendorName, calledAt, entryID)
	return err
}

// MarkPurchaseCompleted transitions pending -> completed exactly once.
func (r *PostgresRepository) MarkPurchaseCompleted(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) (bool, error) {
	detailsRaw, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("failed to marshal vendor details: %w", err)
	}
	if details == nil {
		detailsRaw = []byte(`{}`)
	}

	result, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET status = $1,
			vendor_ref = COALESCE(NULLIF($2, ''), vendor_ref),
			vendor_status = NULLIF($3, ''),
			details = details || $4::jsonb,
			vendor_replied_at = NOW(),
			updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		domain.TxStatusCompleted, vendorRef, vendorStatus, detailsRaw, entryID, domain.TxStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// AppendVendorDetails merges vendor metadata into the entry without changing
// its status. Historical detail fields are never overwritten by the merge
// losing them; the blob only grows.
func (r *PostgresRepository) AppendVendorDetails(ctx context.Context, entryID uuid.UUID, vendorRef, vendorStatus string, details map[string]interface{}) error {
	detailsRaw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal vendor details: %w", err)
	}
	if details == nil {
		detailsRaw = []byte(`{}`)
	}

	_, err = r.db.Exec(ctx, `
		UPDATE transactions
		SET vendor_ref = COALESCE(NULLIF($1, ''), vendor_ref),
			vendor_status = COALESCE(NULLIF($2, ''), vendor_status),
			details = details || $3::jsonb,
			vendor_replied_at = NOW(),
			updated_at = NOW()
		WHERE id = $4`,
		vendorRef, vendorStatus, detailsRaw, entryID)
	return err
}

// GetRoutingRule resolves the active rule for an exact (service, network) pair,
// falling back to a network-agnostic rule for the service.
func (r *PostgresRepository) GetRoutingRule(ctx context.Context, service domain.ServiceType, network domain.Network) (*domain.RoutingRule, error) {
	var rule domain.RoutingRule
	var ruleNetwork, fallback *string
	query := `
		SELECT id, service, network, primary_vendor, fallback_vendor, active, created_at
		FROM routing_rules
		WHERE service = $1 AND active = TRUE AND (network = $2 OR network IS NULL)
		ORDER BY network NULLS LAST, created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, string(service), string(network)).Scan(
		&rule.ID, &rule.Service, &ruleNetwork, &rule.PrimaryVendor, &fallback, &rule.Active, &rule.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRoutingRuleNotFound
		}
		return nil, err
	}
	if ruleNetwork != nil {
		rule.Network = domain.Network(*ruleNetwork)
	}
	if fallback != nil {
		rule.FallbackVendor = *fallback
	}
	return &rule, nil
}

// ListRoutingRules returns all routing rules for the admin surface.
func (r *PostgresRepository) ListRoutingRules(ctx context.Context) ([]domain.RoutingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, service, network, primary_vendor, fallback_vendor, active, created_at
		FROM routing_rules ORDER BY service, network NULLS LAST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.RoutingRule
	for rows.Next() {
		var rule domain.RoutingRule
		var ruleNetwork, fallback *string
		if err := rows.Scan(&rule.ID, &rule.Service, &ruleNetwork, &rule.PrimaryVendor, &fallback, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if ruleNetwork != nil {
			rule.Network = domain.Network(*ruleNetwork)
		}
		if fallback != nil {
			rule.FallbackVendor = *fallback
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRoutingRule inserts an admin-managed routing rule.
func (r *PostgresRepository) CreateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	query := `
		INSERT INTO routing_rules (id, service, network, primary_vendor, fallback_vendor, active, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		rule.ID, string(rule.Service), string(rule.Network), rule.PrimaryVendor, rule.FallbackVendor, rule.Active,
	).Scan(&rule.CreatedAt)
}

// ListMarginRules returns the active margin rules for a service, newest first
// so the pricing engine's "newest wins among equals" falls out of the order.
func (r *PostgresRepository) ListMarginRules(ctx context.Context, service domain.ServiceType) ([]domain.MarginRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, service, vendor, network, type, value, min_amount, max_amount, active, created_at
		FROM margin_rules
		WHERE service = $1 AND active = TRUE
		ORDER BY created_at DESC`, string(service))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.MarginRule
	for rows.Next() {
		var rule domain.MarginRule
		var vendorName, network *string
		if err := rows.Scan(&rule.ID, &rule.Service, &vendorName, &network, &rule.Type, &rule.Value,
			&rule.MinAmount, &rule.MaxAmount, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if vendorName != nil {
			rule.Vendor = *vendorName
		}
		if network != nil {
			rule.Network = domain.Network(*network)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateMarginRule inserts an admin-managed margin rule. Negative margins are a
// configuration bug and are rejected here, not silently fixed at calculation time.
func (r *PostgresRepository) CreateMarginRule(ctx context.Context, rule *domain.MarginRule) error {
	if rule.Value < 0 {
		return fmt.Errorf("margin value must not be negative, got %d", rule.Value)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	query := `
		INSERT INTO margin_rules (id, service, vendor, network, type, value, min_amount, max_amount, active, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		rule.ID, string(rule.Service), rule.Vendor, string(rule.Network), rule.Type, rule.Value,
		rule.MinAmount, rule.MaxAmount, rule.Active,
	).Scan(&rule.CreatedAt)
}

// GetUserSecurityCredentialByUserID returns transaction PIN security metadata for a user.
func (r *PostgresRepository) GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	query := `
		SELECT user_id, transaction_pin_hash, failed_attempts, locked_until
		FROM user_security_credentials
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&credential.UserID,
		&credential.TransactionPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionPINNotSet
		}
		return nil, err
	}
	if credential.TransactionPINHash == "" {
		return nil, ErrTransactionPINNotSet
	}
	return &credential, nil
}

// RecordFailedTransactionPINAttempt atomically increments failed attempts and applies lockout.
func (r *PostgresRepository) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	query := `
		UPDATE user_security_credentials
		SET
			failed_attempts = CASE
				WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
					OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN (
					CASE
						WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
							OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END
		WHERE user_id = $1
		RETURNING user_id, transaction_pin_hash, failed_attempts, locked_until
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutDurationSeconds).Scan(
		&credential.UserID,
		&credential.TransactionPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionPINNotSet
		}
		return nil, err
	}
	return &credential, nil
}

// ResetTransactionPINFailureState clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE user_security_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionPINNotSet
	}
	return nil
}
