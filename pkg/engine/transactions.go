package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/ledger"
	"github.com/almasgold/ttbroker/pkg/metrics"
	"github.com/almasgold/ttbroker/pkg/store"
)

// TransferRequest is a deposit or withdrawal of one asset. A pending transfer
// is recorded but not applied; moving it to COMPLETED applies it.
type TransferRequest struct {
	UserID  string
	Type    store.TxType
	Asset   store.Asset
	Amount  decimal.Decimal
	Pending bool
}

// CreateTransaction applies a transfer to the account and journals it, all in
// one batch. Withdrawals exceeding the balance fail without writing. Pending
// transfers write only the transaction row; balances and ledger move when the
// status reaches COMPLETED.
func (e *Engine) CreateTransaction(adminID string, req TransferRequest) (*store.Transaction, error) {
	if req.Type != store.Deposit && req.Type != store.Withdrawal {
		return nil, fmt.Errorf("%w: type must be DEPOSIT or WITHDRAWAL", ErrValidation)
	}
	if req.Asset != store.AssetCash && req.Asset != store.AssetGold {
		return nil, fmt.Errorf("%w: asset must be CASH or GOLD", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acc, err := e.loadAccountScoped(adminID, req.UserID)
	if err != nil {
		return nil, err
	}

	previous := acc.CashBalance
	if req.Asset == store.AssetGold {
		previous = acc.MetalWeight
	}

	next := previous
	if !req.Pending {
		if req.Type == store.Deposit {
			next = previous.Add(req.Amount)
		} else {
			if previous.LessThan(req.Amount) {
				return nil, fmt.Errorf("%w: %s balance %s < withdrawal %s", ErrInsufficientBalance, req.Asset, previous, req.Amount)
			}
			next = previous.Sub(req.Amount)
		}
	}

	status := store.TxCompleted
	if req.Pending {
		status = store.TxPending
	}

	now := time.Now().UTC()
	tx := &store.Transaction{
		TransactionID:   "TXN-" + strings.ToUpper(uuid.New().String()[:8]),
		Type:            req.Type,
		Asset:           req.Asset,
		Amount:          req.Amount,
		PreviousBalance: previous,
		NewBalance:      next,
		Status:          status,
		User:            acc.ID,
		AdminID:         adminID,
		Date:            now,
	}

	txn := e.store.NewTxn()
	defer txn.Close()
	if !req.Pending {
		if req.Asset == store.AssetCash {
			acc.CashBalance = next
		} else {
			acc.MetalWeight = next
		}
		acc.UpdatedAt = now

		if err := txn.PutAccount(acc); err != nil {
			return nil, err
		}
		if err := txn.PutLedgerEntry(ledger.TransferEntry(tx)); err != nil {
			return nil, err
		}
	}
	if err := txn.PutTransaction(tx); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if !req.Pending {
		metrics.AddLedgerEntries(string(store.EntryTransaction), 1)
	}
	e.log.Infow("transfer_created",
		"transactionId", tx.TransactionID, "user", acc.ID, "status", status,
		"type", req.Type, "asset", req.Asset, "amount", req.Amount, "newBalance", next)
	return tx, nil
}

// UpdateTransactionStatus moves a transfer through its lifecycle. Moving a
// COMPLETED transfer to CANCELLED or FAILED reverses the balance delta and
// journals the reversal.
func (e *Engine) UpdateTransactionStatus(adminID, txID string, status store.TxStatus) (*store.Transaction, error) {
	switch status {
	case store.TxPending, store.TxCompleted, store.TxFailed, store.TxCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown transaction status %s", ErrValidation, status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.store.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	if tx.AdminID != adminID {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txID)
	}
	if tx.Status == status {
		return tx, nil
	}
	if tx.Status == store.TxFailed || tx.Status == store.TxCancelled {
		return nil, fmt.Errorf("%w: transaction %s already %s", ErrConflict, txID, tx.Status)
	}

	txn := e.store.NewTxn()
	defer txn.Close()

	reversing := tx.Status == store.TxCompleted && (status == store.TxCancelled || status == store.TxFailed)
	applying := tx.Status == store.TxPending && status == store.TxCompleted

	if reversing || applying {
		acc, err := e.loadAccountScoped(adminID, tx.User)
		if err != nil {
			return nil, err
		}

		balance := acc.CashBalance
		if tx.Asset == store.AssetGold {
			balance = acc.MetalWeight
		}

		if applying && tx.Type == store.Withdrawal && balance.LessThan(tx.Amount) {
			return nil, fmt.Errorf("%w: %s balance %s < withdrawal %s", ErrInsufficientBalance, tx.Asset, balance, tx.Amount)
		}

		delta := tx.Amount
		if tx.Type == store.Withdrawal {
			delta = delta.Neg()
		}
		if reversing {
			delta = delta.Neg()
		}
		next := balance.Add(delta)

		now := time.Now().UTC()
		if tx.Asset == store.AssetCash {
			acc.CashBalance = next
		} else {
			acc.MetalWeight = next
		}
		acc.UpdatedAt = now

		if err := txn.PutAccount(acc); err != nil {
			return nil, err
		}
		var entry *store.LedgerEntry
		if reversing {
			entry = ledger.ReversalEntry(tx, balance, next, now)
		} else {
			applied := *tx
			applied.PreviousBalance = balance
			applied.NewBalance = next
			applied.Date = now
			entry = ledger.TransferEntry(&applied)
			tx.PreviousBalance = balance
			tx.NewBalance = next
		}
		if err := txn.PutLedgerEntry(entry); err != nil {
			return nil, err
		}
		metrics.AddLedgerEntries(string(store.EntryTransaction), 1)
	}

	tx.Status = status
	if err := txn.PutTransaction(tx); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.log.Infow("transfer_status", "transactionId", tx.TransactionID, "status", status)
	return tx, nil
}
