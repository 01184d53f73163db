package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/pkg/engine"
	"github.com/almasgold/ttbroker/pkg/ledger"
	"github.com/almasgold/ttbroker/pkg/marketdata"
	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
)

const logicalSymbol = "GOLD"

const menuText = `*Gold Trading Menu*
- BUY 2 / SELL 1 - trade TTB bars
- 2TTB or just 2 - quick buy
- CLOSE 1 - close an open order
- PRICE - live TTB price
- ORDERS (4) - open orders
- BALANCE (5) - balances
- STATEMENT (3) - recent activity
- CANCEL / RESET`

// QuoteSource is the slice of the market data service the conversation needs.
type QuoteSource interface {
	Quote(symbol string) (marketdata.Quote, bool)
	Touch()
}

// Handler runs the conversation against the engine and market data.
type Handler struct {
	engine *engine.Engine
	md     QuoteSource
	symbol string // upstream symbol quotes arrive on
	log    *zap.SugaredLogger
}

func NewHandler(e *engine.Engine, md QuoteSource, upstreamSymbol string, log *zap.SugaredLogger) *Handler {
	return &Handler{engine: e, md: md, symbol: upstreamSymbol, log: log}
}

// Handle processes one authorized inbound message and returns the reply text.
func (h *Handler) Handle(ctx context.Context, sess *Session, body string) string {
	h.md.Touch()
	cmd := Parse(body)

	// A bare number while a side is pending is that side's volume, not a
	// quick-buy.
	if sess.State == StateAwaitingVolume && cmd.Kind == KindOrder && cmd.Bare && sess.PendingSide != "" {
		cmd.Side = sess.PendingSide
	}

	switch cmd.Kind {
	case KindGreeting:
		sess.State = StateMainMenu
		name := sess.UserName
		if name == "" {
			name = "there"
		}
		return fmt.Sprintf("Hello %s! Welcome to the gold desk.\n\n%s", name, menuText)
	case KindMenu:
		sess.State = StateMainMenu
		return menuText
	case KindReset:
		sess.State = StateMainMenu
		sess.Pending = nil
		sess.PendingSide = ""
		sess.OpenOrders = nil
		return "Session reset.\n\n" + menuText
	case KindCancel:
		sess.Pending = nil
		sess.PendingSide = ""
		sess.State = StateMainMenu
		return "Cancelled. Back to the main menu."
	case KindBalance:
		return h.balanceText(sess)
	case KindPrice, KindRefresh:
		return h.priceText(sess)
	case KindOrders:
		return h.ordersText(sess)
	case KindStatement:
		return h.statementText(sess)
	case KindOrder:
		return h.quoteOrder(sess, cmd.Side, cmd.Volume)
	case KindSideOnly:
		sess.State = StateAwaitingVolume
		sess.PendingSide = cmd.Side
		return fmt.Sprintf("How many TTB bars to %s? Send a number, e.g. 2.", cmd.Side)
	case KindClose:
		return h.closeOrder(ctx, sess, cmd)
	case KindYes:
		if sess.State == StateConfirmOrder && sess.Pending != nil {
			return h.confirmOrder(ctx, sess)
		}
	case KindNo:
		if sess.State == StateConfirmOrder {
			sess.Pending = nil
			sess.State = StateMainMenu
			return "Order discarded. Back to the main menu."
		}
	}

	// State dispatch for everything the parser left alone.
	switch sess.State {
	case StateStart:
		sess.State = StateMainMenu
		return "Welcome to the gold desk.\n\n" + menuText
	case StateAwaitingVolume:
		return "Please send a number of TTB bars, e.g. 2, or CANCEL."
	case StateConfirmOrder:
		return "Reply Y to confirm or N to discard the order."
	default:
		return "Sorry, I didn't understand that.\n\n" + menuText
	}
}

func (h *Handler) dubaiTime(t time.Time) string {
	loc, err := time.LoadLocation("Asia/Dubai")
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02 Jan 2006 15:04")
}

// spotQuote returns the latest cached tick and its freshness label.
func (h *Handler) spotQuote() (marketdata.Quote, marketdata.Freshness, bool) {
	q, ok := h.md.Quote(h.symbol)
	if !ok {
		return marketdata.Quote{}, marketdata.Stale, false
	}
	return q, q.Freshness(time.Now()), true
}

func (h *Handler) priceText(sess *Session) string {
	q, label, ok := h.spotQuote()
	if !ok {
		return "Price feed is unavailable right now. Please try again shortly."
	}

	acc, err := h.engine.Store().GetAccount(sess.AccountID)
	if err != nil {
		return "Could not load your account. Please try again."
	}

	bid := decimal.NewFromFloat(q.Tick.Bid)
	ask := decimal.NewFromFloat(q.Tick.Ask)
	buyTTB := pricing.SpotToTTB(pricing.QuoteForOpen(ask, pricing.Buy, acc.AskSpread, acc.BidSpread))
	sellTTB := pricing.SpotToTTB(pricing.QuoteForOpen(bid, pricing.Sell, acc.AskSpread, acc.BidSpread))

	return fmt.Sprintf("*Gold TTB Price* (%s)\nBuy: %s AED\nSell: %s AED\nAs of %s",
		label, buyTTB.StringFixed(2), sellTTB.StringFixed(2), h.dubaiTime(q.FetchedAt))
}

func (h *Handler) balanceText(sess *Session) string {
	acc, err := h.engine.Store().GetAccount(sess.AccountID)
	if err != nil {
		return "Could not load your account. Please try again."
	}
	return fmt.Sprintf("*Your Balances*\nCash: %s AED\nGold: %s TTB",
		acc.CashBalance.StringFixed(2), acc.MetalWeight.StringFixed(2))
}

func (h *Handler) ordersText(sess *Session) string {
	orders, err := h.engine.Store().ListOrdersByUser(sess.AccountID, store.OrderProcessing)
	if err != nil {
		return "Could not load your orders. Please try again."
	}
	sess.OpenOrders = orders
	if len(orders) == 0 {
		return "You have no open orders."
	}

	var b strings.Builder
	b.WriteString("*Open Orders*\n")
	for i, o := range orders {
		fmt.Fprintf(&b, "%d. %s %s %s TTB @ %s (%s)\n",
			i+1, o.OrderNo, o.Type, o.Volume, o.OpeningPrice.StringFixed(2), h.dubaiTime(o.OpeningDate))
	}
	b.WriteString("\nSend CLOSE <number> to close one.")
	return b.String()
}

func (h *Handler) statementText(sess *Session) string {
	text, err := ledger.Statement(h.engine.Store(), sess.AccountID, 10)
	if err != nil {
		return "Could not load your statement. Please try again."
	}
	sess.State = StateMainMenu
	return text
}

// quoteOrder prices the request and parks it for Y/N confirmation.
func (h *Handler) quoteOrder(sess *Session, side pricing.Side, volume decimal.Decimal) string {
	check, err := h.engine.CheckSufficientBalance(sess.AdminID, sess.AccountID, volume)
	if err != nil {
		return "Could not check your balance. Please try again."
	}
	if side == pricing.Buy && !check.OK {
		return check.Message
	}

	q, label, ok := h.spotQuote()
	if !ok {
		return "Price feed is unavailable right now. Please try again shortly."
	}
	acc, err := h.engine.Store().GetAccount(sess.AccountID)
	if err != nil {
		return "Could not load your account. Please try again."
	}

	spot := decimal.NewFromFloat(q.Tick.Ask)
	if side == pricing.Sell {
		spot = decimal.NewFromFloat(q.Tick.Bid)
	}
	clientSpot := pricing.QuoteForOpen(spot, side, acc.AskSpread, acc.BidSpread)
	perBar := pricing.SpotToTTB(clientSpot)
	total := perBar.Mul(volume)

	sess.Pending = &PendingOrder{Type: side, Volume: volume, Price: perBar, TotalCost: total}
	sess.PendingSide = ""
	sess.State = StateConfirmOrder

	return fmt.Sprintf("*Confirm Order* (%s price)\n%s %s TTB @ %s AED/bar\nTotal: %s AED\n\nReply Y to confirm or N to discard.",
		label, side, volume, perBar.StringFixed(2), total.StringFixed(2))
}

// confirmOrder re-quotes at confirmation time and places the trade.
func (h *Handler) confirmOrder(ctx context.Context, sess *Session) string {
	pending := sess.Pending
	sess.Pending = nil
	sess.State = StateMainMenu

	q, _, ok := h.spotQuote()
	if !ok {
		return "Price feed went away before confirmation. Order not placed."
	}

	spot := decimal.NewFromFloat(q.Tick.Ask)
	if pending.Type == pricing.Sell {
		spot = decimal.NewFromFloat(q.Tick.Bid)
	}

	res, err := h.engine.OpenTrade(ctx, sess.AdminID, engine.OpenTradeRequest{
		UserID: sess.AccountID,
		Symbol: logicalSymbol,
		Type:   pending.Type,
		Volume: pending.Volume,
		Spot:   spot,
	})
	if err != nil {
		h.log.Warnw("conversational_open_failed", "phone", sess.Phone, "err", err)
		if errors.Is(err, engine.ErrInsufficientBalance) {
			return "Insufficient balance for this order."
		}
		if errors.Is(err, engine.ErrUpstream) {
			return "The market rejected the order. Please try again in a moment."
		}
		return "Could not place the order. Please try again."
	}

	sess.LastOrderID = res.Order.ID
	return fmt.Sprintf("Order placed!\n%s: %s %s TTB @ %s AED\nMargin reserved: %s AED\nCash: %s AED | Gold: %s TTB",
		res.Order.OrderNo, res.Order.Type, res.Order.Volume,
		pricing.SpotToTTB(res.Order.OpeningPrice).StringFixed(2),
		res.RequiredMargin.StringFixed(2),
		res.CashBalance.StringFixed(2), res.MetalWeight.StringFixed(2))
}

func (h *Handler) closeOrder(ctx context.Context, sess *Session, cmd Command) string {
	var order *store.Order
	if cmd.CloseIx > 0 {
		if len(sess.OpenOrders) == 0 {
			orders, err := h.engine.Store().ListOrdersByUser(sess.AccountID, store.OrderProcessing)
			if err != nil {
				return "Could not load your orders. Please try again."
			}
			sess.OpenOrders = orders
		}
		if cmd.CloseIx > len(sess.OpenOrders) {
			return fmt.Sprintf("No open order #%d. Send ORDERS to list them.", cmd.CloseIx)
		}
		order = sess.OpenOrders[cmd.CloseIx-1]
	} else {
		o, err := h.engine.Store().GetOrderByNo(cmd.CloseNo)
		if err != nil {
			return fmt.Sprintf("Order %s not found.", cmd.CloseNo)
		}
		if o.User != sess.AccountID {
			return fmt.Sprintf("Order %s not found.", cmd.CloseNo)
		}
		order = o
	}

	q, _, ok := h.spotQuote()
	if !ok {
		return "Price feed is unavailable right now. Please try again shortly."
	}

	// Closing uses the opposite side of the book.
	spot := decimal.NewFromFloat(q.Tick.Bid)
	if order.Type == pricing.Sell {
		spot = decimal.NewFromFloat(q.Tick.Ask)
	}

	res, err := h.engine.CloseTrade(ctx, sess.AdminID, order.ID, engine.CloseUpdate{
		OrderStatus:  store.OrderClosed,
		ClosingPrice: &spot,
	})
	if err != nil {
		h.log.Warnw("conversational_close_failed", "phone", sess.Phone, "orderNo", order.OrderNo, "err", err)
		if errors.Is(err, engine.ErrConflict) {
			return fmt.Sprintf("Order %s is already closed.", order.OrderNo)
		}
		return "Could not close the order. Please try again."
	}
	if res.LikelyClosed {
		return fmt.Sprintf("Order %s appears already closed at the venue. Our desk will reconcile it shortly.", order.OrderNo)
	}

	sess.OpenOrders = nil
	sess.LastOrderID = res.Order.ID
	return fmt.Sprintf("Order %s closed at %s AED.\nProfit: %s AED\nCash: %s AED | Gold: %s TTB",
		res.Order.OrderNo, res.Order.ClosingPrice.StringFixed(2), res.ClientProfit.StringFixed(2),
		res.CashBalance.StringFixed(2), res.MetalWeight.StringFixed(2))
}
