// Package engine is the transactional heart of the brokerage. OpenTrade and
// CloseTrade each wrap the venue call, the account balance mutation, the
// client order, the mirrored LP position and four ledger entries into one
// atomic storage batch. On any failure nothing is visible.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/bridge"
	"github.com/almasgold/ttbroker/pkg/ledger"
	"github.com/almasgold/ttbroker/pkg/metrics"
	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
)

// minVolume is the smallest tradable bar fraction.
var minVolume = decimal.NewFromFloat(0.01)

// Venue is the slice of the upstream bridge the engine consumes. A nil venue
// runs the book without upstream mirroring (paper mode).
type Venue interface {
	PlaceTrade(ctx context.Context, req bridge.TradeRequest) (*bridge.TradeResult, error)
	CloseTrade(ctx context.Context, req bridge.CloseRequest) (*bridge.CloseResult, error)
	GetPositions(ctx context.Context) ([]bridge.Position, error)
}

// Engine owns trade and transfer execution. A single mutex serializes balance
// mutations: the storage batch gives atomicity but not conflict detection, so
// concurrent writers for the same account must not interleave.
type Engine struct {
	cfg    params.Trading
	store  *store.Store
	venue  Venue
	symbol string // upstream symbol hedges are placed on
	log    *zap.SugaredLogger

	mu sync.Mutex
}

func New(cfg params.Trading, st *store.Store, venue Venue, upstreamSymbol string, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		venue:  venue,
		symbol: upstreamSymbol,
		log:    log,
	}
}

// Store exposes the underlying storage for read-only callers.
func (e *Engine) Store() *store.Store { return e.store }

// loadAccountScoped loads an account and enforces the admin boundary.
// Cross-admin access reads as absent.
func (e *Engine) loadAccountScoped(adminID, userID string) (*store.Account, error) {
	acc, err := e.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	if acc.AdminOwner != adminID {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return acc, nil
}

func (e *Engine) newOrderNo() (string, error) {
	for i := 0; i < 10; i++ {
		no := "ORD-" + strings.ToUpper(uuid.New().String()[:8])
		taken, err := e.store.OrderNoExists(no)
		if err != nil {
			return "", err
		}
		if !taken {
			return no, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate order number", ErrInternal)
}

// OpenTradeRequest carries one client order.
type OpenTradeRequest struct {
	UserID  string
	Symbol  string // logical instrument, e.g. "GOLD"
	Type    pricing.Side
	Volume  decimal.Decimal
	Spot    decimal.Decimal // raw upstream quote, no spread
	Comment string
	// RequiredMargin overrides the default margin (full gold weight value at
	// the client price) when set.
	RequiredMargin *decimal.Decimal
	OpeningDate    time.Time
}

// OpenTradeResult reports everything the open wrote.
type OpenTradeResult struct {
	Order           *store.Order         `json:"order"`
	LPPosition      *store.LPPosition    `json:"lpPosition"`
	CashBalance     decimal.Decimal      `json:"cashBalance"`
	MetalWeight     decimal.Decimal      `json:"metalWeight"`
	RequiredMargin  decimal.Decimal      `json:"requiredMargin"`
	GoldWeightValue decimal.Decimal      `json:"goldWeightValue"`
	LedgerEntries   []*store.LedgerEntry `json:"ledgerEntries"`
}

// OpenTrade places a client order: hedges upstream when a venue is wired,
// then commits order + LP position + balances + four ledger entries as one
// batch.
func (e *Engine) OpenTrade(ctx context.Context, adminID string, req OpenTradeRequest) (*OpenTradeResult, error) {
	if req.Type != pricing.Buy && req.Type != pricing.Sell {
		return nil, fmt.Errorf("%w: type must be BUY or SELL", ErrValidation)
	}
	if req.Volume.LessThan(minVolume) {
		return nil, fmt.Errorf("%w: volume %s below minimum %s", ErrValidation, req.Volume, minVolume)
	}
	if !req.Spot.IsPositive() {
		return nil, fmt.Errorf("%w: spot price must be positive", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acc, err := e.loadAccountScoped(adminID, req.UserID)
	if err != nil {
		return nil, err
	}

	clientPrice := pricing.QuoteForOpen(req.Spot, req.Type, acc.AskSpread, acc.BidSpread)
	goldValue := pricing.GoldWeightValue(req.Spot, req.Volume)

	requiredMargin := pricing.GoldWeightValue(clientPrice, req.Volume)
	if req.RequiredMargin != nil {
		requiredMargin = *req.RequiredMargin
	}

	cashAfter := acc.CashBalance.Sub(requiredMargin)
	metalAfter := acc.MetalWeight.Add(req.Volume)
	if req.Type == pricing.Sell {
		metalAfter = acc.MetalWeight.Sub(req.Volume)
		if metalAfter.IsNegative() && !e.cfg.AllowNegativeMetal {
			return nil, fmt.Errorf("%w: metal %s < sell volume %s", ErrInsufficientBalance, acc.MetalWeight, req.Volume)
		}
	}

	orderNo, err := e.newOrderNo()
	if err != nil {
		return nil, err
	}

	openingDate := req.OpeningDate
	if openingDate.IsZero() {
		openingDate = time.Now().UTC()
	}

	// Hedge upstream before touching the book. Venue failure leaves no trace.
	var ticket int64
	if e.venue != nil {
		result, err := e.venue.PlaceTrade(ctx, bridge.TradeRequest{
			Symbol:  e.symbol,
			Volume:  req.Volume.InexactFloat64(),
			Type:    string(req.Type),
			Comment: orderNo,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		ticket = result.Ticket
	}

	order := &store.Order{
		ID:             uuid.New().String(),
		OrderNo:        orderNo,
		Type:           req.Type,
		Volume:         req.Volume,
		Symbol:         req.Symbol,
		Price:          req.Spot,
		OpeningPrice:   clientPrice,
		RequiredMargin: requiredMargin,
		OpeningDate:    openingDate,
		OrderStatus:    store.OrderProcessing,
		User:           acc.ID,
		AdminID:        adminID,
		LPPositionID:   orderNo,
		Ticket:         ticket,
		Comment:        req.Comment,
	}

	lp := &store.LPPosition{
		PositionID:   orderNo,
		Type:         req.Type,
		Volume:       req.Volume,
		Symbol:       req.Symbol,
		EntryPrice:   req.Spot,
		CurrentPrice: req.Spot,
		OpenDate:     openingDate,
		Status:       store.PositionOpen,
		ClientOrder:  order.ID,
		AdminID:      adminID,
	}

	bal := ledger.Balances{
		CashBefore:  acc.CashBalance,
		CashAfter:   cashAfter,
		MetalBefore: acc.MetalWeight,
		MetalAfter:  metalAfter,
	}
	acc.CashBalance = cashAfter
	acc.MetalWeight = metalAfter
	acc.UpdatedAt = openingDate

	entries := ledger.OpenLeg(order, lp, requiredMargin, goldValue, bal, openingDate)

	txn := e.store.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(order, true); err != nil {
		return nil, err
	}
	if err := txn.PutLPPosition(lp); err != nil {
		return nil, err
	}
	if err := txn.PutAccount(acc); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := txn.PutLedgerEntry(entry); err != nil {
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	metrics.IncOrderOpened(string(req.Type))
	metrics.AddLedgerEntries(string(store.EntryTransaction), 2)
	metrics.AddLedgerEntries(string(store.EntryOrder), 1)
	metrics.AddLedgerEntries(string(store.EntryLPPosition), 1)
	e.log.Infow("trade_opened",
		"orderNo", orderNo, "user", acc.ID, "type", req.Type,
		"volume", req.Volume, "openingPrice", clientPrice, "margin", requiredMargin,
		"ticket", ticket)

	return &OpenTradeResult{
		Order:           order,
		LPPosition:      lp,
		CashBalance:     cashAfter,
		MetalWeight:     metalAfter,
		RequiredMargin:  requiredMargin,
		GoldWeightValue: goldValue,
		LedgerEntries:   entries,
	}, nil
}

// CloseUpdate is the whitelisted mutable surface of an order. Fields outside
// this struct can never be changed after open.
type CloseUpdate struct {
	OrderStatus  store.OrderStatus
	ClosingPrice *decimal.Decimal
	ClosingDate  *time.Time
	Profit       *decimal.Decimal
	Comment      *string
	Price        *decimal.Decimal
}

// CloseTradeResult reports a close or cancellation.
type CloseTradeResult struct {
	Order         *store.Order         `json:"order"`
	LPPosition    *store.LPPosition    `json:"lpPosition,omitempty"`
	CashBalance   decimal.Decimal      `json:"cashBalance"`
	MetalWeight   decimal.Decimal      `json:"metalWeight"`
	ClientProfit  decimal.Decimal      `json:"clientProfit"`
	LPProfit      decimal.Decimal      `json:"lpProfit"`
	Settlement    decimal.Decimal      `json:"settlement"`
	LikelyClosed  bool                 `json:"likelyClosed,omitempty"`
	LedgerEntries []*store.LedgerEntry `json:"ledgerEntries,omitempty"`
}

// CloseTrade applies a whitelisted update to an order. CLOSED settles the
// position (client profit, LP spread capture, balance release, four ledger
// entries); CANCELLED and FAILED reverse the open.
func (e *Engine) CloseTrade(ctx context.Context, adminID, orderID string, update CloseUpdate) (*CloseTradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.store.GetOrder(adminID, orderID)
	if err != nil {
		return nil, err
	}
	if order.OrderStatus.Terminal() {
		return nil, fmt.Errorf("%w: order %s already %s", ErrConflict, order.OrderNo, order.OrderStatus)
	}

	switch update.OrderStatus {
	case store.OrderClosed:
		return e.settleClose(ctx, order, update)
	case store.OrderCancelled, store.OrderFailed:
		return e.reverseOpen(ctx, order, update)
	case "", order.OrderStatus:
		return e.softUpdate(order, update)
	default:
		return nil, fmt.Errorf("%w: cannot move order %s from %s to %s", ErrValidation, order.OrderNo, order.OrderStatus, update.OrderStatus)
	}
}

// softUpdate applies non-terminal whitelisted fields without touching money.
func (e *Engine) softUpdate(order *store.Order, update CloseUpdate) (*CloseTradeResult, error) {
	if update.Comment != nil {
		order.Comment = *update.Comment
	}
	if update.Price != nil {
		order.Price = *update.Price
	}
	// A closing price without a CLOSED status still mirrors onto the working
	// price; the order's own closingPrice is only set at settlement.
	if update.ClosingPrice != nil {
		order.Price = *update.ClosingPrice
	}

	txn := e.store.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(order, false); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return &CloseTradeResult{Order: order}, nil
}

func (e *Engine) settleClose(ctx context.Context, order *store.Order, update CloseUpdate) (*CloseTradeResult, error) {
	acc, err := e.loadAccountScoped(order.AdminID, order.User)
	if err != nil {
		return nil, err
	}
	lp, err := e.store.GetLPPosition(order.OrderNo)
	if err != nil {
		return nil, err
	}

	spot := order.Price
	if update.ClosingPrice != nil {
		spot = *update.ClosingPrice
	}
	clientClosingPrice := pricing.QuoteForClose(spot, order.Type, acc.AskSpread, acc.BidSpread)

	closeDate := time.Now().UTC()
	if update.ClosingDate != nil {
		closeDate = *update.ClosingDate
	}

	// Unwind the hedge first. A ticket the venue no longer knows means the
	// position is already flat upstream; the book is left untouched and the
	// caller decides how to reconcile.
	if e.venue != nil && order.Ticket != 0 {
		result, err := e.venue.CloseTrade(ctx, bridge.CloseRequest{Ticket: order.Ticket})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if result.LikelyClosed {
			e.log.Warnw("close_likely_closed_upstream", "orderNo", order.OrderNo, "ticket", order.Ticket)
			return &CloseTradeResult{Order: order, LikelyClosed: true}, nil
		}
	}

	vol := order.Volume
	entryWeight := pricing.GoldWeightValue(order.OpeningPrice, vol)
	lpEntryWeight := pricing.GoldWeightValue(lp.EntryPrice, vol)
	lpClosingWeight := pricing.GoldWeightValue(spot, vol)
	closingWeight := pricing.GoldWeightValue(clientClosingPrice, vol)

	clientProfit := clientClosingPrice.Sub(order.OpeningPrice).Mul(vol)
	if order.Type == pricing.Sell {
		clientProfit = clientProfit.Neg()
	}
	clientProfit = clientProfit.Round(2)

	// Spread captured on both legs.
	lpProfit := lpEntryWeight.Sub(entryWeight).Abs().Add(lpClosingWeight.Sub(closingWeight).Abs())

	settlement := order.RequiredMargin
	if settlement.IsZero() {
		if order.Type == pricing.Buy {
			settlement = closingWeight
		} else {
			settlement = entryWeight
		}
	}
	userProfit := clientProfit
	if userProfit.IsNegative() {
		userProfit = decimal.Zero
	}

	cashAfter := acc.CashBalance.Add(settlement).Add(userProfit)
	metalAfter := acc.MetalWeight.Sub(vol)
	if order.Type == pricing.Sell {
		metalAfter = acc.MetalWeight.Add(vol)
	}

	order.OrderStatus = store.OrderClosed
	order.ClosingPrice = clientClosingPrice
	order.ClosingDate = &closeDate
	order.Profit = clientProfit
	order.Price = spot
	if update.Comment != nil {
		order.Comment = *update.Comment
	}
	if update.Profit != nil {
		order.Profit = *update.Profit
	}

	lp.CurrentPrice = spot
	lp.ClosingPrice = spot
	lp.CloseDate = &closeDate
	lp.Status = store.PositionClosed
	lp.Profit = lpProfit

	bal := ledger.Balances{
		CashBefore:  acc.CashBalance,
		CashAfter:   cashAfter,
		MetalBefore: acc.MetalWeight,
		MetalAfter:  metalAfter,
	}
	acc.CashBalance = cashAfter
	acc.MetalWeight = metalAfter
	acc.UpdatedAt = closeDate

	entries := ledger.CloseLeg(order, lp, settlement, lpClosingWeight, bal, closeDate)

	txn := e.store.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(order, false); err != nil {
		return nil, err
	}
	if err := txn.PutLPPosition(lp); err != nil {
		return nil, err
	}
	if err := txn.PutAccount(acc); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := txn.PutLedgerEntry(entry); err != nil {
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	metrics.IncOrderClosed(string(order.Type))
	metrics.AddLedgerEntries(string(store.EntryTransaction), 2)
	metrics.AddLedgerEntries(string(store.EntryOrder), 1)
	metrics.AddLedgerEntries(string(store.EntryLPPosition), 1)
	e.log.Infow("trade_closed",
		"orderNo", order.OrderNo, "user", acc.ID,
		"closingPrice", clientClosingPrice, "clientProfit", clientProfit,
		"lpProfit", lpProfit, "settlement", settlement)

	return &CloseTradeResult{
		Order:         order,
		LPPosition:    lp,
		CashBalance:   cashAfter,
		MetalWeight:   metalAfter,
		ClientProfit:  clientProfit,
		LPProfit:      lpProfit,
		Settlement:    settlement,
		LedgerEntries: entries,
	}, nil
}

// reverseOpen undoes the open leg for CANCELLED/FAILED: margin back to cash,
// metal delta undone, LP position closed with zero profit. A live hedge is
// unwound first so the venue does not keep a position the book forgot.
func (e *Engine) reverseOpen(ctx context.Context, order *store.Order, update CloseUpdate) (*CloseTradeResult, error) {
	acc, err := e.loadAccountScoped(order.AdminID, order.User)
	if err != nil {
		return nil, err
	}

	if e.venue != nil && order.Ticket != 0 {
		result, err := e.venue.CloseTrade(ctx, bridge.CloseRequest{Ticket: order.Ticket})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if result.LikelyClosed {
			e.log.Warnw("cancel_hedge_already_flat", "orderNo", order.OrderNo, "ticket", order.Ticket)
		}
	}

	now := time.Now().UTC()
	cashAfter := acc.CashBalance.Add(order.RequiredMargin)
	metalAfter := acc.MetalWeight.Sub(order.Volume)
	if order.Type == pricing.Sell {
		metalAfter = acc.MetalWeight.Add(order.Volume)
	}

	order.OrderStatus = update.OrderStatus
	order.ClosingDate = &now
	if update.Comment != nil {
		order.Comment = *update.Comment
	}

	bal := ledger.Balances{
		CashBefore:  acc.CashBalance,
		CashAfter:   cashAfter,
		MetalBefore: acc.MetalWeight,
		MetalAfter:  metalAfter,
	}
	acc.CashBalance = cashAfter
	acc.MetalWeight = metalAfter
	acc.UpdatedAt = now

	entries := ledger.CancelLeg(order, bal, now)

	txn := e.store.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(order, false); err != nil {
		return nil, err
	}
	lp, lpErr := e.store.GetLPPosition(order.OrderNo)
	if lpErr == nil {
		lp.Status = store.PositionClosed
		lp.CloseDate = &now
		if err := txn.PutLPPosition(lp); err != nil {
			return nil, err
		}
	}
	if err := txn.PutAccount(acc); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := txn.PutLedgerEntry(entry); err != nil {
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	metrics.AddLedgerEntries(string(store.EntryTransaction), 2)
	e.log.Infow("trade_reversed", "orderNo", order.OrderNo, "status", order.OrderStatus)

	return &CloseTradeResult{
		Order:       order,
		LPPosition:  lp,
		CashBalance: cashAfter,
		MetalWeight: metalAfter,
	}, nil
}

// AnnotateNotificationError records a failed vendor send on a committed
// order. It never rolls anything back.
func (e *Engine) AnnotateNotificationError(adminID, orderID, message string) error {
	order, err := e.store.GetOrder(adminID, orderID)
	if err != nil {
		return err
	}
	order.NotificationError = message

	txn := e.store.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(order, false); err != nil {
		return err
	}
	return txn.Commit()
}
