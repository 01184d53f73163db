// Package ledger builds and inspects the append-only journal.
//
// Every trading leg writes exactly four entries in order: ORDER, LP_POSITION,
// TRX-CASH, TRX-GOLD, all carrying the order's orderNo as referenceNumber.
// runningBalance is the account balance after the leg's single balance
// mutation; previousBalance on TRANSACTION entries is the value before it.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
)

func entryID(prefix string) string {
	return prefix + strings.ToUpper(uuid.New().String()[:8])
}

// Balances carries the before/after account state of one leg.
type Balances struct {
	CashBefore  decimal.Decimal
	CashAfter   decimal.Decimal
	MetalBefore decimal.Decimal
	MetalAfter  decimal.Decimal
}

// OpenLeg returns the four entries recording a trade open.
//
//	ORDER        DEBIT   requiredMargin      running = cash'
//	LP_POSITION  CREDIT  goldWeightValue     running = cash'
//	TRX (CASH)   DEBIT   requiredMargin      running = cash', previous = cash
//	TRX (GOLD)   CREDIT if BUY else DEBIT, amount = volume, running = metal'
func OpenLeg(o *store.Order, lp *store.LPPosition, requiredMargin, goldWeightValue decimal.Decimal, bal Balances, date time.Time) []*store.LedgerEntry {
	goldNature := store.Credit
	if o.Type == pricing.Sell {
		goldNature = store.Debit
	}

	return []*store.LedgerEntry{
		{
			EntryID:         entryID("ORD-"),
			EntryType:       store.EntryOrder,
			EntryNature:     store.Debit,
			ReferenceNumber: o.OrderNo,
			Amount:          requiredMargin,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			OrderDetails: &store.OrderDetails{
				OrderNo: o.OrderNo,
				Type:    o.Type,
				Volume:  o.Volume,
				Price:   o.OpeningPrice,
			},
			Description: fmt.Sprintf("%s %s x %s opened at %s", o.Type, o.Symbol, o.Volume, o.OpeningPrice),
		},
		{
			EntryID:         entryID("LP-"),
			EntryType:       store.EntryLPPosition,
			EntryNature:     store.Credit,
			ReferenceNumber: o.OrderNo,
			Amount:          goldWeightValue,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			LPDetails: &store.LPDetails{
				PositionID: lp.PositionID,
				EntryPrice: lp.EntryPrice,
				Volume:     lp.Volume,
			},
			Description: fmt.Sprintf("LP position %s mirrored at %s", lp.PositionID, lp.EntryPrice),
		},
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     store.Debit,
			ReferenceNumber: o.OrderNo,
			Amount:          requiredMargin,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetCash,
				PreviousBalance: bal.CashBefore,
			},
			Description: fmt.Sprintf("Margin reserved for %s", o.OrderNo),
		},
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     goldNature,
			ReferenceNumber: o.OrderNo,
			Amount:          o.Volume,
			RunningBalance:  bal.MetalAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetGold,
				PreviousBalance: bal.MetalBefore,
			},
			Description: fmt.Sprintf("Metal %s for %s", goldNature, o.OrderNo),
		},
	}
}

// CloseLeg returns the four entries recording a trade close. Natures mirror
// the open leg: ORDER CREDIT, LP_POSITION DEBIT, TRX-CASH CREDIT, TRX-GOLD
// DEBIT if BUY else CREDIT.
func CloseLeg(o *store.Order, lp *store.LPPosition, settlementAmount, lpClosingValue decimal.Decimal, bal Balances, date time.Time) []*store.LedgerEntry {
	goldNature := store.Debit
	if o.Type == pricing.Sell {
		goldNature = store.Credit
	}

	return []*store.LedgerEntry{
		{
			EntryID:         entryID("ORD-"),
			EntryType:       store.EntryOrder,
			EntryNature:     store.Credit,
			ReferenceNumber: o.OrderNo,
			Amount:          settlementAmount,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			OrderDetails: &store.OrderDetails{
				OrderNo: o.OrderNo,
				Type:    o.Type,
				Volume:  o.Volume,
				Price:   o.ClosingPrice,
			},
			Description: fmt.Sprintf("%s %s x %s closed at %s, profit %s", o.Type, o.Symbol, o.Volume, o.ClosingPrice, o.Profit),
		},
		{
			EntryID:         entryID("LP-"),
			EntryType:       store.EntryLPPosition,
			EntryNature:     store.Debit,
			ReferenceNumber: o.OrderNo,
			Amount:          lpClosingValue,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			LPDetails: &store.LPDetails{
				PositionID: lp.PositionID,
				EntryPrice: lp.EntryPrice,
				Volume:     lp.Volume,
			},
			Description: fmt.Sprintf("LP position %s closed at %s, spread captured %s", lp.PositionID, lp.ClosingPrice, lp.Profit),
		},
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     store.Credit,
			ReferenceNumber: o.OrderNo,
			Amount:          bal.CashAfter.Sub(bal.CashBefore),
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetCash,
				PreviousBalance: bal.CashBefore,
			},
			Description: fmt.Sprintf("Settlement released for %s", o.OrderNo),
		},
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     goldNature,
			ReferenceNumber: o.OrderNo,
			Amount:          o.Volume,
			RunningBalance:  bal.MetalAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetGold,
				PreviousBalance: bal.MetalBefore,
			},
			Description: fmt.Sprintf("Metal %s for %s close", goldNature, o.OrderNo),
		},
	}
}

// CancelLeg reverses an open that never completed (CANCELLED or FAILED).
// Only the two TRANSACTION lines are emitted: margin returned to cash and the
// metal delta undone, keeping the per-asset sums equal to the balances.
func CancelLeg(o *store.Order, bal Balances, date time.Time) []*store.LedgerEntry {
	goldNature := store.Debit
	if o.Type == pricing.Sell {
		goldNature = store.Credit
	}

	return []*store.LedgerEntry{
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     store.Credit,
			ReferenceNumber: o.OrderNo,
			Amount:          o.RequiredMargin,
			RunningBalance:  bal.CashAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetCash,
				PreviousBalance: bal.CashBefore,
			},
			Description: fmt.Sprintf("Margin returned for %s %s", o.OrderStatus, o.OrderNo),
		},
		{
			EntryID:         entryID("TRX-"),
			EntryType:       store.EntryTransaction,
			EntryNature:     goldNature,
			ReferenceNumber: o.OrderNo,
			Amount:          o.Volume,
			RunningBalance:  bal.MetalAfter,
			Date:            date,
			User:            o.User,
			AdminID:         o.AdminID,
			TransactionDetails: &store.TransactionDetails{
				Asset:           store.AssetGold,
				PreviousBalance: bal.MetalBefore,
			},
			Description: fmt.Sprintf("Metal %s reversing %s %s", goldNature, o.OrderStatus, o.OrderNo),
		},
	}
}

// TransferEntry records a deposit or withdrawal as a single journal line.
// Deposits are CREDIT, withdrawals DEBIT, so per-asset signed sums stay equal
// to the account balance.
func TransferEntry(tx *store.Transaction) *store.LedgerEntry {
	nature := store.Credit
	if tx.Type == store.Withdrawal {
		nature = store.Debit
	}
	return &store.LedgerEntry{
		EntryID:         entryID("TRX-"),
		EntryType:       store.EntryTransaction,
		EntryNature:     nature,
		ReferenceNumber: tx.TransactionID,
		Amount:          tx.Amount,
		RunningBalance:  tx.NewBalance,
		Date:            tx.Date,
		User:            tx.User,
		AdminID:         tx.AdminID,
		TransactionDetails: &store.TransactionDetails{
			Asset:           tx.Asset,
			PreviousBalance: tx.PreviousBalance,
		},
		Description: fmt.Sprintf("%s %s %s", tx.Type, tx.Amount, tx.Asset),
	}
}

// ReversalEntry undoes a previously committed transfer (COMPLETED →
// CANCELLED/FAILED) with the opposite nature.
func ReversalEntry(tx *store.Transaction, previous, running decimal.Decimal, date time.Time) *store.LedgerEntry {
	nature := store.Debit
	if tx.Type == store.Withdrawal {
		nature = store.Credit
	}
	return &store.LedgerEntry{
		EntryID:         entryID("TRX-"),
		EntryType:       store.EntryTransaction,
		EntryNature:     nature,
		ReferenceNumber: tx.TransactionID,
		Amount:          tx.Amount,
		RunningBalance:  running,
		Date:            date,
		User:            tx.User,
		AdminID:         tx.AdminID,
		TransactionDetails: &store.TransactionDetails{
			Asset:           tx.Asset,
			PreviousBalance: previous,
		},
		Description: fmt.Sprintf("Reversal of %s %s %s", tx.Type, tx.Amount, tx.Asset),
	}
}

// CheckConservation verifies that the per-asset signed ledger sums equal the
// account's current balances.
func CheckConservation(s *store.Store, acc *store.Account) error {
	cash, err := s.SumLedgerByUserAsset(acc.ID, store.AssetCash)
	if err != nil {
		return err
	}
	if !cash.Equal(acc.CashBalance) {
		return fmt.Errorf("cash ledger sum %s != balance %s for account %s", cash, acc.CashBalance, acc.ID)
	}
	gold, err := s.SumLedgerByUserAsset(acc.ID, store.AssetGold)
	if err != nil {
		return err
	}
	if !gold.Equal(acc.MetalWeight) {
		return fmt.Errorf("gold ledger sum %s != metal %s for account %s", gold, acc.MetalWeight, acc.ID)
	}
	return nil
}

// Statement renders a user's most recent entries for the conversational
// STATEMENT view. Timestamps are shown in Gulf Standard Time.
func Statement(s *store.Store, userID string, limit int) (string, error) {
	entries, err := s.ListLedgerByUser(userID, 0, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No ledger activity yet.", nil
	}

	loc, err := time.LoadLocation("Asia/Dubai")
	if err != nil {
		loc = time.UTC
	}

	var b strings.Builder
	b.WriteString("*Account Statement*\n")
	for _, e := range entries {
		sign := "+"
		if e.EntryNature == store.Debit {
			sign = "-"
		}
		asset := ""
		if e.TransactionDetails != nil {
			asset = " " + string(e.TransactionDetails.Asset)
		}
		fmt.Fprintf(&b, "%s | %s%s%s | %s | bal %s\n",
			e.Date.In(loc).Format("02 Jan 15:04"),
			sign, e.Amount, asset,
			e.ReferenceNumber,
			e.RunningBalance)
	}
	return b.String(), nil
}
