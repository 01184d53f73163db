package bridge

import "strconv"

// MT5 trade retcodes. 10009 is success; 10020/10021 are transient and worth
// retrying with a widened deviation.
const (
	RetcodeDone               = 10009
	RetcodeRequote            = 10013
	RetcodeInvalidParams      = 10017
	RetcodeMarketClosed       = 10018
	RetcodeInsufficientFunds  = 10019
	RetcodePricesChanged      = 10020
	RetcodeInvalidRequest     = 10021
	RetcodeInvalidStops       = 10022
	RetcodeAutotradingDisabled = 10027
)

var retcodeMessages = map[int]string{
	RetcodeRequote:            "Requote",
	RetcodeMarketClosed:       "Market closed",
	RetcodeInsufficientFunds:  "Insufficient funds",
	RetcodePricesChanged:      "Prices changed",
	RetcodeInvalidRequest:     "Invalid request (check volume, symbol, or market status)",
	RetcodeInvalidStops:       "Invalid SL/TP",
	RetcodeInvalidParams:      "Invalid parameters",
	RetcodeAutotradingDisabled: "AutoTrading disabled",
}

// RetcodeMessage maps a venue retcode to a human-readable message.
func RetcodeMessage(code int) string {
	if msg, ok := retcodeMessages[code]; ok {
		return msg
	}
	if code == RetcodeDone {
		return "Done"
	}
	return "Error " + strconv.Itoa(code)
}

// IsTransientRetcode reports whether a retcode warrants an internal retry.
func IsTransientRetcode(code int) bool {
	return code == RetcodePricesChanged || code == RetcodeInvalidRequest
}
