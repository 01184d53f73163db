// Package pricing derives client-visible TTB prices from upstream spot quotes.
//
// The instrument is the Ten-Tola Bar (TTB): 116.64 g of gold. Upstream quotes
// arrive as XAU/USD per troy ounce; client prices are AED per bar:
//
//	P_ttb = P_xau / TROY_OZ_G × CONV × TTB_FACTOR
//
// Per-account spreads are applied on the raw spot before conversion: BUY pays
// spot + askSpread, SELL receives spot − bidSpread. Closing uses the
// opposite-side rule (closing a BUY is a sell-back, so it uses the bid side).
package pricing

import "github.com/shopspring/decimal"

var (
	// TroyOunceGrams converts troy ounces to grams.
	TroyOunceGrams = decimal.NewFromFloat(31.103)
	// USDToAED is the fixed USD→AED conversion applied to spot.
	USDToAED = decimal.NewFromFloat(3.674)
	// TTBFactorGrams is the bar weight in grams.
	TTBFactorGrams = decimal.NewFromFloat(116.64)
)

// Side is the client order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SpotToTTB converts an XAU/USD spot quote to the AED price of one bar.
func SpotToTTB(spot decimal.Decimal) decimal.Decimal {
	return spot.Div(TroyOunceGrams).Mul(USDToAED).Mul(TTBFactorGrams)
}

// QuoteForOpen applies the account spread to a spot quote for a new position.
func QuoteForOpen(spot decimal.Decimal, side Side, askSpread, bidSpread decimal.Decimal) decimal.Decimal {
	if side == Buy {
		return spot.Add(askSpread)
	}
	return spot.Sub(bidSpread)
}

// QuoteForClose applies the opposite-side spread: closing a BUY uses
// spot − bidSpread, closing a SELL uses spot + askSpread.
func QuoteForClose(spot decimal.Decimal, side Side, askSpread, bidSpread decimal.Decimal) decimal.Decimal {
	if side == Buy {
		return spot.Sub(bidSpread)
	}
	return spot.Add(askSpread)
}

// GoldWeightValue returns the AED value of volume bars priced at spot.
func GoldWeightValue(spot, volume decimal.Decimal) decimal.Decimal {
	return SpotToTTB(spot).Mul(volume)
}
