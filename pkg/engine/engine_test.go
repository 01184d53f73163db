package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/bridge"
	"github.com/almasgold/ttbroker/pkg/ledger"
	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
)

const adminID = "admin-1"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeVenue struct {
	placeErr   error
	placeCalls int
	ticket     int64
	closeRes   *bridge.CloseResult
	closeErr   error
	closeCalls int
}

func (f *fakeVenue) PlaceTrade(ctx context.Context, req bridge.TradeRequest) (*bridge.TradeResult, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &bridge.TradeResult{Ticket: f.ticket, Volume: req.Volume, Retcode: 10009}, nil
}

func (f *fakeVenue) CloseTrade(ctx context.Context, req bridge.CloseRequest) (*bridge.CloseResult, error) {
	f.closeCalls++
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	if f.closeRes != nil {
		return f.closeRes, nil
	}
	return &bridge.CloseResult{Success: true, Retcode: 10009}, nil
}

func (f *fakeVenue) GetPositions(ctx context.Context) ([]bridge.Position, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, venue Venue) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := params.Trading{
		BaseAmountPerVolume: decimal.NewFromInt(26000),
		MinimumBalancePct:   decimal.NewFromInt(10),
		AllowNegativeMetal:  true,
	}
	return New(cfg, s, venue, "XAUUSD", zap.NewNop().Sugar()), s
}

// seedAccount creates an active account funded through a ledger-visible
// deposit so conservation checks hold from the start.
func seedAccount(t *testing.T, e *Engine, s *store.Store, cash string) *store.Account {
	t.Helper()
	acc := &store.Account{
		AccountHead: "Test Client",
		Accode:      "TC-01",
		AskSpread:   dec("0.5"),
		BidSpread:   dec("0.5"),
		AdminOwner:  adminID,
		PhoneNumber: "+971501234567",
		Status:      store.AccountActive,
	}
	if err := s.CreateAccount(acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if cash != "0" {
		if _, err := e.CreateTransaction(adminID, TransferRequest{
			UserID: acc.ID,
			Type:   store.Deposit,
			Asset:  store.AssetCash,
			Amount: dec(cash),
		}); err != nil {
			t.Fatalf("fund account: %v", err)
		}
	}
	got, err := s.GetAccount(acc.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return got
}

func mustConserve(t *testing.T, s *store.Store, accID string) {
	t.Helper()
	acc, err := s.GetAccount(accID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := ledger.CheckConservation(s, acc); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestOpenTradeBuy(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "10000.00")

	margin := dec("19.025")
	res, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID:         acc.ID,
		Symbol:         "GOLD",
		Type:           pricing.Buy,
		Volume:         dec("0.01"),
		Spot:           dec("1902"), // ask side
		RequiredMargin: &margin,
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	if !res.CashBalance.Equal(dec("9980.975")) {
		t.Errorf("cash = %s, want 9980.975", res.CashBalance)
	}
	if !res.MetalWeight.Equal(dec("0.01")) {
		t.Errorf("metal = %s, want 0.01", res.MetalWeight)
	}
	if res.Order.OrderStatus != store.OrderProcessing {
		t.Errorf("status = %s", res.Order.OrderStatus)
	}
	if !res.Order.OpeningPrice.Equal(dec("1902.5")) {
		t.Errorf("openingPrice = %s, want spot+askSpread 1902.5", res.Order.OpeningPrice)
	}
	if len(res.LedgerEntries) != 4 {
		t.Fatalf("ledger entries = %d, want 4", len(res.LedgerEntries))
	}

	// Exactly four rows carry the orderNo, in ORDER, LP, TRX, TRX order.
	n, err := s.CountLedgerByReference(acc.ID, res.Order.OrderNo)
	if err != nil || n != 4 {
		t.Errorf("rows for %s = %d (%v), want 4", res.Order.OrderNo, n, err)
	}
	wantTypes := []store.EntryType{store.EntryOrder, store.EntryLPPosition, store.EntryTransaction, store.EntryTransaction}
	for i, entry := range res.LedgerEntries {
		if entry.EntryType != wantTypes[i] {
			t.Errorf("entry %d type = %s, want %s", i, entry.EntryType, wantTypes[i])
		}
	}

	// Pairing: one LP position with matching volume/type/symbol.
	lp, err := s.GetLPPosition(res.Order.OrderNo)
	if err != nil {
		t.Fatalf("lp position: %v", err)
	}
	if !lp.Volume.Equal(res.Order.Volume) || lp.Type != res.Order.Type || lp.Symbol != res.Order.Symbol {
		t.Errorf("lp mismatch: %+v vs order %+v", lp, res.Order)
	}
	if !lp.EntryPrice.Equal(dec("1902")) {
		t.Errorf("lp entry price = %s, want spread-free 1902", lp.EntryPrice)
	}

	mustConserve(t, s, acc.ID)
}

func TestCloseTradeBuyProfit(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "10000.00")

	margin := dec("19.025")
	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID:         acc.ID,
		Symbol:         "GOLD",
		Type:           pricing.Buy,
		Volume:         dec("0.01"),
		Spot:           dec("1902"),
		RequiredMargin: &margin,
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	closing := dec("1904") // bid side
	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus:  store.OrderClosed,
		ClosingPrice: &closing,
	})
	if err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}

	// Closing a BUY uses the opposite side: 1904 - 0.5 = 1903.5.
	if !res.Order.ClosingPrice.Equal(dec("1903.5")) {
		t.Errorf("closingPrice = %s, want 1903.5", res.Order.ClosingPrice)
	}
	if !res.ClientProfit.Equal(dec("0.01")) {
		t.Errorf("clientProfit = %s, want 0.01", res.ClientProfit)
	}
	if !res.Settlement.Equal(margin) {
		t.Errorf("settlement = %s, want margin %s", res.Settlement, margin)
	}
	if !res.CashBalance.Equal(dec("10000.01")) {
		t.Errorf("cash = %s, want 10000.01", res.CashBalance)
	}
	if !res.MetalWeight.Equal(dec("0")) {
		t.Errorf("metal = %s, want 0", res.MetalWeight)
	}

	// Spread capture on both legs.
	vol := dec("0.01")
	wantLP := pricing.GoldWeightValue(dec("1902"), vol).Sub(pricing.GoldWeightValue(dec("1902.5"), vol)).Abs().
		Add(pricing.GoldWeightValue(dec("1904"), vol).Sub(pricing.GoldWeightValue(dec("1903.5"), vol)).Abs())
	if !res.LPProfit.Equal(wantLP) {
		t.Errorf("lpProfit = %s, want %s", res.LPProfit, wantLP)
	}
	lp, err := s.GetLPPosition(res.Order.OrderNo)
	if err != nil {
		t.Fatalf("lp: %v", err)
	}
	if lp.Status != store.PositionClosed || !lp.Profit.Equal(wantLP) {
		t.Errorf("lp = %+v", lp)
	}

	// Eight rows total for the orderNo, conservation intact.
	n, _ := s.CountLedgerByReference(acc.ID, res.Order.OrderNo)
	if n != 8 {
		t.Errorf("ledger rows = %d, want 8", n)
	}
	mustConserve(t, s, acc.ID)
}

func TestOpenCloseAtSameSpotLosesSpread(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "50000.00")

	spot := dec("1900")
	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("2"), Spot: spot,
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus:  store.OrderClosed,
		ClosingPrice: &spot,
	})
	if err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}

	// Same spot both ways: client pays the full round-trip spread.
	want := dec("0.5").Add(dec("0.5")).Mul(dec("2")).Neg()
	if !res.ClientProfit.Equal(want) {
		t.Errorf("clientProfit = %s, want %s", res.ClientProfit, want)
	}
	mustConserve(t, s, acc.ID)
}

func TestOpenTradeSell(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "100000.00")

	res, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Sell, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	if !res.Order.OpeningPrice.Equal(dec("1899.5")) {
		t.Errorf("openingPrice = %s, want spot-bidSpread 1899.5", res.Order.OpeningPrice)
	}
	if !res.MetalWeight.Equal(dec("-1")) {
		t.Errorf("metal = %s, want -1 (negative SELL exposure allowed)", res.MetalWeight)
	}
	mustConserve(t, s, acc.ID)
}

func TestSellRejectedWhenNegativeMetalDisallowed(t *testing.T) {
	e, s := newTestEngine(t, nil)
	e.cfg.AllowNegativeMetal = false
	acc := seedAccount(t, e, s, "100000.00")

	_, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Sell, Volume: dec("1"), Spot: dec("1900"),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestCloseAlreadyClosedConflicts(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "50000.00")

	spot := dec("1900")
	open, _ := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: spot,
	})
	if _, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderClosed, ClosingPrice: &spot,
	}); err != nil {
		t.Fatalf("first close: %v", err)
	}

	_, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderClosed, ClosingPrice: &spot,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second close err = %v, want ErrConflict", err)
	}
}

func TestCancelReversesOpen(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderCancelled,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Order.OrderStatus != store.OrderCancelled {
		t.Errorf("status = %s", res.Order.OrderStatus)
	}
	if !res.CashBalance.Equal(dec("50000.00")) {
		t.Errorf("cash = %s, want restored 50000.00", res.CashBalance)
	}
	if !res.MetalWeight.Equal(dec("0")) {
		t.Errorf("metal = %s, want 0", res.MetalWeight)
	}
	mustConserve(t, s, acc.ID)
}

func TestCancelUnwindsHedge(t *testing.T) {
	venue := &fakeVenue{ticket: 777}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderCancelled,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if venue.closeCalls != 1 {
		t.Errorf("venue close calls = %d, want 1 (hedge unwound)", venue.closeCalls)
	}
	if res.Order.OrderStatus != store.OrderCancelled {
		t.Errorf("status = %s", res.Order.OrderStatus)
	}
	if !res.CashBalance.Equal(dec("50000.00")) {
		t.Errorf("cash = %s, want restored 50000.00", res.CashBalance)
	}
	mustConserve(t, s, acc.ID)
}

func TestCancelVenueErrorAbortsReversal(t *testing.T) {
	venue := &fakeVenue{ticket: 777}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	cashAfterOpen := open.CashBalance
	venue.closeErr = errors.New("Trade context busy")

	_, err = e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderCancelled,
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	// Nothing reversed while the hedge is still live upstream.
	got, _ := s.GetAccount(acc.ID)
	if !got.CashBalance.Equal(cashAfterOpen) {
		t.Errorf("cash = %s, want untouched %s", got.CashBalance, cashAfterOpen)
	}
	reloaded, _ := s.GetOrder(adminID, open.Order.ID)
	if reloaded.OrderStatus != store.OrderProcessing {
		t.Errorf("order status = %s, want still PROCESSING", reloaded.OrderStatus)
	}
	mustConserve(t, s, acc.ID)
}

func TestCancelToleratesHedgeAlreadyFlat(t *testing.T) {
	venue := &fakeVenue{ticket: 777}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	venue.closeRes = &bridge.CloseResult{Success: false, LikelyClosed: true}

	// An already-flat hedge does not block the book-side reversal.
	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderCancelled,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Order.OrderStatus != store.OrderCancelled {
		t.Errorf("status = %s", res.Order.OrderStatus)
	}
	if !res.CashBalance.Equal(dec("50000.00")) {
		t.Errorf("cash = %s, want restored 50000.00", res.CashBalance)
	}
	mustConserve(t, s, acc.ID)
}

func TestPatchClosingPriceUpdatesWorkingPrice(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	cp := dec("1912")
	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		ClosingPrice: &cp,
	})
	if err != nil {
		t.Fatalf("soft update: %v", err)
	}
	if res.Order.OrderStatus != store.OrderProcessing {
		t.Errorf("status = %s, want still PROCESSING", res.Order.OrderStatus)
	}
	if !res.Order.Price.Equal(cp) {
		t.Errorf("price = %s, want mirrored 1912", res.Order.Price)
	}
	if !res.Order.ClosingPrice.IsZero() {
		t.Errorf("closingPrice = %s, want unset before settlement", res.Order.ClosingPrice)
	}

	// No money moved.
	got, _ := s.GetAccount(acc.ID)
	if !got.CashBalance.Equal(open.CashBalance) {
		t.Errorf("cash = %s, want untouched %s", got.CashBalance, open.CashBalance)
	}
	mustConserve(t, s, acc.ID)
}

func TestCrossAdminReadsAsAbsent(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "10000.00")

	_, err := e.OpenTrade(context.Background(), "other-admin", OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestVenueFailureLeavesNoTrace(t *testing.T) {
	venue := &fakeVenue{placeErr: errors.New("Market closed")}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	_, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	orders, _ := s.ListOrdersByUser(acc.ID, "")
	if len(orders) != 0 {
		t.Errorf("orders persisted after venue failure: %d", len(orders))
	}
	got, _ := s.GetAccount(acc.ID)
	if !got.CashBalance.Equal(dec("50000.00")) {
		t.Errorf("cash touched: %s", got.CashBalance)
	}
	mustConserve(t, s, acc.ID)
}

func TestVenueTicketRecorded(t *testing.T) {
	venue := &fakeVenue{ticket: 987654}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	res, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	if res.Order.Ticket != 987654 {
		t.Errorf("ticket = %d, want 987654", res.Order.Ticket)
	}
	if venue.placeCalls != 1 {
		t.Errorf("place calls = %d, want 1 (no duplicate orders)", venue.placeCalls)
	}
	orders, _ := s.ListOrdersByUser(acc.ID, "")
	if len(orders) != 1 {
		t.Errorf("orders persisted = %d, want 1", len(orders))
	}
}

func TestCloseLikelyClosedLeavesBalances(t *testing.T) {
	venue := &fakeVenue{ticket: 42, closeRes: &bridge.CloseResult{Success: false, LikelyClosed: true}}
	e, s := newTestEngine(t, venue)
	acc := seedAccount(t, e, s, "50000.00")

	open, err := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	cashAfterOpen := open.CashBalance

	spot := dec("1905")
	res, err := e.CloseTrade(context.Background(), adminID, open.Order.ID, CloseUpdate{
		OrderStatus: store.OrderClosed, ClosingPrice: &spot,
	})
	if err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	if !res.LikelyClosed {
		t.Fatal("expected LikelyClosed")
	}

	got, _ := s.GetAccount(acc.ID)
	if !got.CashBalance.Equal(cashAfterOpen) {
		t.Errorf("cash = %s, want untouched %s", got.CashBalance, cashAfterOpen)
	}
	reloaded, _ := s.GetOrder(adminID, open.Order.ID)
	if reloaded.OrderStatus != store.OrderProcessing {
		t.Errorf("order status = %s, want still PROCESSING", reloaded.OrderStatus)
	}
}

func TestAnnotateNotificationError(t *testing.T) {
	e, s := newTestEngine(t, nil)
	acc := seedAccount(t, e, s, "50000.00")

	open, _ := e.OpenTrade(context.Background(), adminID, OpenTradeRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: pricing.Buy, Volume: dec("1"), Spot: dec("1900"),
	})
	if err := e.AnnotateNotificationError(adminID, open.Order.ID, "vendor send failed"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	got, _ := s.GetOrder(adminID, open.Order.ID)
	if got.NotificationError != "vendor send failed" {
		t.Errorf("notificationError = %q", got.NotificationError)
	}
	if got.OrderStatus != store.OrderProcessing {
		t.Errorf("annotation must not change status, got %s", got.OrderStatus)
	}
}
