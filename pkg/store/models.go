package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/pricing"
)

// AccountStatus is the lifecycle state of a client account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
	AccountPending   AccountStatus = "pending"
)

// Account is a client's book: cash in AED, metal in bars, per-account spreads.
// Balances are mutated only by the engine inside an engine transaction.
type Account struct {
	ID          string          `json:"id"`
	RefMid      string          `json:"refMid"` // 5-digit, globally unique
	AccountHead string          `json:"accountHead"`
	Accode      string          `json:"accode"` // unique per (accode, adminOwner)
	AccountType string          `json:"accountType"`
	CashBalance decimal.Decimal `json:"cashBalance"` // AED
	MetalWeight decimal.Decimal `json:"metalWeight"` // TTB bars
	Margin      decimal.Decimal `json:"margin"`      // percent
	AskSpread   decimal.Decimal `json:"askSpread"`   // AED added on BUY
	BidSpread   decimal.Decimal `json:"bidSpread"`   // AED subtracted on SELL
	AdminOwner  string          `json:"adminOwner"`
	PhoneNumber string          `json:"phoneNumber"`
	Email       string          `json:"email"`
	Status      AccountStatus   `json:"status"`
	KYCStatus   string          `json:"kycStatus"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// OrderStatus is the lifecycle state of a client order.
type OrderStatus string

const (
	OrderProcessing OrderStatus = "PROCESSING"
	OrderExecuted   OrderStatus = "EXECUTED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderClosed     OrderStatus = "CLOSED"
	OrderPending    OrderStatus = "PENDING"
	OrderFailed     OrderStatus = "FAILED"
)

// Terminal reports whether no further status transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderClosed || s == OrderCancelled || s == OrderFailed
}

// Order is the client-facing trade.
//
// Invariants: OrderNo unique; ClosingPrice/ClosingDate/non-zero Profit set iff
// status is CLOSED; LPPositionID set iff venue placement succeeded; Ticket set
// iff the venue returned one.
type Order struct {
	ID             string          `json:"id"`
	OrderNo        string          `json:"orderNo"` // "ORD-" prefixed ("OR-" accepted on lookup)
	Type           pricing.Side    `json:"type"`
	Volume         decimal.Decimal `json:"volume"` // bars, >= 0.01
	Symbol         string          `json:"symbol"` // logical, e.g. "GOLD"
	Price          decimal.Decimal `json:"price"`
	OpeningPrice   decimal.Decimal `json:"openingPrice"` // spot adjusted by spread
	ClosingPrice   decimal.Decimal `json:"closingPrice"`
	RequiredMargin decimal.Decimal `json:"requiredMargin"`
	OpeningDate    time.Time       `json:"openingDate"`
	ClosingDate    *time.Time      `json:"closingDate,omitempty"`
	OrderStatus    OrderStatus     `json:"orderStatus"`
	Profit         decimal.Decimal `json:"profit"`
	User           string          `json:"user"`
	AdminID        string          `json:"adminId"`
	LPPositionID   string          `json:"lpPositionId"`
	Ticket         int64           `json:"ticket,omitempty"` // upstream venue id
	Comment        string          `json:"comment"`
	// NotificationError records a failed vendor send after commit; it never
	// rolls the trade back.
	NotificationError string `json:"notificationError,omitempty"`
}

// PositionStatus is the lifecycle state of a mirrored LP position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// LPPosition mirrors the upstream position for a client order, one per order.
// EntryPrice is the spread-free spot at open; Profit at close is the spread
// captured by the broker on both legs.
type LPPosition struct {
	PositionID   string          `json:"positionId"` // = order's OrderNo
	Type         pricing.Side    `json:"type"`
	Volume       decimal.Decimal `json:"volume"`
	Symbol       string          `json:"symbol"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	ClosingPrice decimal.Decimal `json:"closingPrice"`
	OpenDate     time.Time       `json:"openDate"`
	CloseDate    *time.Time      `json:"closeDate,omitempty"`
	Status       PositionStatus  `json:"status"`
	Profit       decimal.Decimal `json:"profit"`
	ClientOrder  string          `json:"clientOrder"` // Order.ID
	AdminID      string          `json:"adminId"`
}

// Asset distinguishes the two balances an account carries.
type Asset string

const (
	AssetCash Asset = "CASH"
	AssetGold Asset = "GOLD"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryOrder       EntryType = "ORDER"
	EntryLPPosition  EntryType = "LP_POSITION"
	EntryTransaction EntryType = "TRANSACTION"
)

// EntryNature is the double-entry direction.
type EntryNature string

const (
	Debit  EntryNature = "DEBIT"
	Credit EntryNature = "CREDIT"
)

// OrderDetails is the typed detail on ORDER entries.
type OrderDetails struct {
	OrderNo string          `json:"orderNo"`
	Type    pricing.Side    `json:"type"`
	Volume  decimal.Decimal `json:"volume"`
	Price   decimal.Decimal `json:"price"`
}

// LPDetails is the typed detail on LP_POSITION entries.
type LPDetails struct {
	PositionID string          `json:"positionId"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Volume     decimal.Decimal `json:"volume"`
}

// TransactionDetails is the typed detail on TRANSACTION entries.
type TransactionDetails struct {
	Asset           Asset           `json:"asset"`
	PreviousBalance decimal.Decimal `json:"previousBalance"`
}

// LedgerEntry is one immutable journal line. Four are written per open and
// per close: ORDER, LP_POSITION, TRX-CASH, TRX-GOLD. RunningBalance is the
// account balance for the affected asset after the mutation.
type LedgerEntry struct {
	EntryID            string              `json:"entryId"` // ORD-|LP-|TRX- prefixed
	EntryType          EntryType           `json:"entryType"`
	EntryNature        EntryNature         `json:"entryNature"`
	ReferenceNumber    string              `json:"referenceNumber"` // order's OrderNo
	Amount             decimal.Decimal     `json:"amount"`
	RunningBalance     decimal.Decimal     `json:"runningBalance"`
	Date               time.Time           `json:"date"`
	User               string              `json:"user"`
	AdminID            string              `json:"adminId"`
	OrderDetails       *OrderDetails       `json:"orderDetails,omitempty"`
	LPDetails          *LPDetails          `json:"lpDetails,omitempty"`
	TransactionDetails *TransactionDetails `json:"transactionDetails,omitempty"`
	Description        string              `json:"description"`
	Notes              string              `json:"notes,omitempty"`
}

// TxType is the direction of a cash/metal transfer.
type TxType string

const (
	Deposit    TxType = "DEPOSIT"
	Withdrawal TxType = "WITHDRAWAL"
)

// TxStatus is the lifecycle state of a transfer.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
	TxCancelled TxStatus = "CANCELLED"
)

// Transaction is a deposit or withdrawal of one asset.
type Transaction struct {
	TransactionID   string          `json:"transactionId"`
	Type            TxType          `json:"type"`
	Asset           Asset           `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	PreviousBalance decimal.Decimal `json:"previousBalance"`
	NewBalance      decimal.Decimal `json:"newBalance"`
	Status          TxStatus        `json:"status"`
	User            string          `json:"user"`
	AdminID         string          `json:"adminId"`
	Date            time.Time       `json:"date"`
}
