package session

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/pricing"
)

// Kind classifies an inbound message.
type Kind int

const (
	KindNone Kind = iota
	KindOrder
	KindSideOnly // "BUY" / "SELL" with no volume
	KindClose
	KindMenu
	KindReset
	KindGreeting
	KindBalance
	KindCancel
	KindPrice
	KindOrders
	KindStatement
	KindRefresh
	KindYes
	KindNo
)

// Command is one parsed message.
type Command struct {
	Kind    Kind
	Side    pricing.Side
	Volume  decimal.Decimal
	Bare    bool // volume came from a bare number, side defaulted to BUY
	CloseIx int  // 1-based index into the cached open orders
	CloseNo string
}

var (
	orderRe  = regexp.MustCompile(`^(BUY|SELL)\s+(\d+(?:\.\d+)?)(?:\s*TTB)?$`)
	ttbRe    = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*TTB$`)
	numberRe = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	closeRe  = regexp.MustCompile(`^CLOSE\s+(\S+)$`)
	indexRe  = regexp.MustCompile(`^\d{1,3}$`)
)

// Parse applies the precedence rules: short-codes, CLOSE, specials, then
// leaves the rest to state dispatch. Bare "4" and "5" keep their menu meaning
// instead of reading as a BUY volume.
func Parse(body string) Command {
	text := strings.ToUpper(strings.TrimSpace(body))

	if m := orderRe.FindStringSubmatch(text); m != nil {
		vol, err := decimal.NewFromString(m[2])
		if err == nil && vol.IsPositive() {
			return Command{Kind: KindOrder, Side: pricing.Side(m[1]), Volume: vol}
		}
	}
	if m := ttbRe.FindStringSubmatch(text); m != nil {
		vol, err := decimal.NewFromString(m[1])
		if err == nil && vol.IsPositive() {
			return Command{Kind: KindOrder, Side: pricing.Buy, Volume: vol}
		}
	}
	if numberRe.MatchString(text) && text != "4" && text != "5" && text != "3" {
		vol, err := decimal.NewFromString(text)
		if err == nil && vol.IsPositive() {
			return Command{Kind: KindOrder, Side: pricing.Buy, Volume: vol, Bare: true}
		}
	}

	if m := closeRe.FindStringSubmatch(text); m != nil {
		if indexRe.MatchString(m[1]) {
			ix := 0
			for _, r := range m[1] {
				ix = ix*10 + int(r-'0')
			}
			return Command{Kind: KindClose, CloseIx: ix}
		}
		return Command{Kind: KindClose, CloseNo: m[1]}
	}

	switch text {
	case "MENU", "HELP":
		return Command{Kind: KindMenu}
	case "RESET":
		return Command{Kind: KindReset}
	case "HI", "HELLO", "START":
		return Command{Kind: KindGreeting}
	case "BALANCE", "5":
		return Command{Kind: KindBalance}
	case "CANCEL":
		return Command{Kind: KindCancel}
	case "PRICE", "PRICES":
		return Command{Kind: KindPrice}
	case "ORDERS", "POSITIONS", "4":
		return Command{Kind: KindOrders}
	case "STATEMENT", "3":
		return Command{Kind: KindStatement}
	case "REFRESH":
		return Command{Kind: KindRefresh}
	case "BUY":
		return Command{Kind: KindSideOnly, Side: pricing.Buy}
	case "SELL":
		return Command{Kind: KindSideOnly, Side: pricing.Sell}
	case "Y", "YES", "CONFIRM":
		return Command{Kind: KindYes}
	case "N", "NO":
		return Command{Kind: KindNo}
	}

	return Command{Kind: KindNone}
}
