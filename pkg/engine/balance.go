package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/store"
)

// BalanceCheck is the full margin breakdown for a requested volume, including
// the exposure already reserved by the account's in-flight orders.
type BalanceCheck struct {
	OK               bool            `json:"ok"`
	UserBalance      decimal.Decimal `json:"userBalance"`
	BaseAmount       decimal.Decimal `json:"baseAmount"`
	MarginAmount     decimal.Decimal `json:"marginAmount"`
	TotalRequired    decimal.Decimal `json:"totalRequired"`
	ExistingVolume   decimal.Decimal `json:"existingVolume"`
	ExistingAmount   decimal.Decimal `json:"existingAmount"`
	TotalNeeded      decimal.Decimal `json:"totalNeeded"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	MaxAllowedVolume int64           `json:"maxAllowedVolume"`
	Message          string          `json:"message"`
}

// CheckSufficientBalance prices a requested volume against the account's cash:
//
//	base   = volume × BASE_AMOUNT_PER_VOLUME
//	margin = base × MINIMUM_BALANCE_PCT / 100
//
// PROCESSING orders count as reserved exposure at the same rate. The check
// passes when cash covers new plus existing exposure.
func (e *Engine) CheckSufficientBalance(adminID, userID string, volume decimal.Decimal) (*BalanceCheck, error) {
	acc, err := e.loadAccountScoped(adminID, userID)
	if err != nil {
		return nil, err
	}

	pctFactor := e.cfg.MinimumBalancePct.Div(decimal.NewFromInt(100))
	perUnit := e.cfg.BaseAmountPerVolume.Mul(decimal.NewFromInt(1).Add(pctFactor))

	base := volume.Mul(e.cfg.BaseAmountPerVolume)
	margin := base.Mul(pctFactor)
	totalRequired := base.Add(margin)

	open, err := e.store.ListOrdersByUser(userID, store.OrderProcessing)
	if err != nil {
		return nil, err
	}
	existingVolume := decimal.Zero
	for _, o := range open {
		existingVolume = existingVolume.Add(o.Volume)
	}
	existingAmount := existingVolume.Mul(perUnit)

	totalNeeded := totalRequired.Add(existingAmount)
	remaining := acc.CashBalance.Sub(totalNeeded)

	maxAllowed := int64(0)
	if headroom := acc.CashBalance.Sub(existingAmount); headroom.IsPositive() {
		maxAllowed = headroom.Div(perUnit).IntPart()
	}

	check := &BalanceCheck{
		OK:               volume.IsPositive() && !remaining.IsNegative(),
		UserBalance:      acc.CashBalance,
		BaseAmount:       base,
		MarginAmount:     margin,
		TotalRequired:    totalRequired,
		ExistingVolume:   existingVolume,
		ExistingAmount:   existingAmount,
		TotalNeeded:      totalNeeded,
		RemainingBalance: remaining,
		MaxAllowedVolume: maxAllowed,
	}

	if check.OK {
		check.Message = fmt.Sprintf("Balance sufficient: %s AED available, %s AED required.", acc.CashBalance.StringFixed(2), totalNeeded.StringFixed(2))
	} else {
		check.Message = fmt.Sprintf("Insufficient balance: %s AED available, %s AED required (%s reserved by open orders). Maximum volume you can trade now: %d.",
			acc.CashBalance.StringFixed(2), totalNeeded.StringFixed(2), existingAmount.StringFixed(2), maxAllowed)
	}
	return check, nil
}
