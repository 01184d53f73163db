package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/store"
)

// CreateOrderRequest opens a trade for a user. Price is the raw spot quote;
// RequiredMargin overrides the default margin when present.
type CreateOrderRequest struct {
	UserID         string           `json:"userId"`
	Symbol         string           `json:"symbol"`
	Type           string           `json:"type"`
	Volume         decimal.Decimal  `json:"volume"`
	Price          decimal.Decimal  `json:"price"`
	RequiredMargin *decimal.Decimal `json:"requiredMargin,omitempty"`
	OpeningDate    *time.Time       `json:"openingDate,omitempty"`
	Comment        string           `json:"comment,omitempty"`
}

// UpdateOrderRequest is the whitelisted PATCH surface of an order.
type UpdateOrderRequest struct {
	OrderStatus  string           `json:"orderStatus,omitempty"`
	ClosingPrice *decimal.Decimal `json:"closingPrice,omitempty"`
	ClosingDate  *time.Time       `json:"closingDate,omitempty"`
	Profit       *decimal.Decimal `json:"profit,omitempty"`
	Comment      *string          `json:"comment,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
}

// CreateTransactionRequest deposits or withdraws one asset. Pending transfers
// are recorded without moving balances until their status reaches COMPLETED.
type CreateTransactionRequest struct {
	Type    string          `json:"type"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	User    string          `json:"user"`
	Pending bool            `json:"pending,omitempty"`
}

// UpdateTransactionRequest moves a transfer to a new status.
type UpdateTransactionRequest struct {
	Status string `json:"status"`
}

// CreateAccountRequest is the admin-facing account shape.
type CreateAccountRequest struct {
	AccountHead string          `json:"accountHead"`
	Accode      string          `json:"accode"`
	AccountType string          `json:"accountType"`
	Margin      decimal.Decimal `json:"margin"`
	AskSpread   decimal.Decimal `json:"askSpread"`
	BidSpread   decimal.Decimal `json:"bidSpread"`
	PhoneNumber string          `json:"phoneNumber"`
	Email       string          `json:"email"`
	Status      string          `json:"status,omitempty"`
	KYCStatus   string          `json:"kycStatus,omitempty"`
}

// UpdateAccountRequest covers the soft profile fields. Balances are never
// PATCHable; they move only through orders and transactions.
type UpdateAccountRequest struct {
	AccountHead *string          `json:"accountHead,omitempty"`
	AccountType *string          `json:"accountType,omitempty"`
	Margin      *decimal.Decimal `json:"margin,omitempty"`
	AskSpread   *decimal.Decimal `json:"askSpread,omitempty"`
	BidSpread   *decimal.Decimal `json:"bidSpread,omitempty"`
	PhoneNumber *string          `json:"phoneNumber,omitempty"`
	Email       *string          `json:"email,omitempty"`
	Status      *string          `json:"status,omitempty"`
	KYCStatus   *string          `json:"kycStatus,omitempty"`
}

// SuccessResponse wraps every successful reply.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the liveness snapshot.
type HealthResponse struct {
	Status     string         `json:"status"`
	Bridge     map[string]any `json:"bridge,omitempty"`
	PollMs     int64          `json:"pollIntervalMs,omitempty"`
	AccountsOK bool           `json:"storeOk"`
	Time       time.Time      `json:"time"`
}

// LedgerPage is a paginated slice of a user's journal.
type LedgerPage struct {
	Entries []*store.LedgerEntry `json:"entries"`
	Offset  int                  `json:"offset"`
	Limit   int                  `json:"limit"`
}
