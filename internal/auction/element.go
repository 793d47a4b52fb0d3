package auction

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Element is one decoded standing order.
type Element struct {
	// Index is the position of the order in the decoded stream.
	Index            uint32
	Owner            string
	SellTokenBalance *big.Int
	BuyToken         uint16
	SellToken        uint16
	// ValidFrom and ValidUntil are batch ids.
	ValidFrom        uint32
	ValidUntil       uint32
	PriceNumerator   *big.Int
	PriceDenominator *big.Int
	Remaining        *big.Int
}

// ValidAt reports whether the order participates in the given batch.
func (e Element) ValidAt(batchID uint32) bool {
	return e.ValidFrom <= batchID && batchID <= e.ValidUntil
}

// LimitPrice returns numerator/denominator rounded to places decimal places,
// or zero when the denominator is zero or missing.
func (e Element) LimitPrice(places int32) decimal.Decimal {
	if e.PriceDenominator == nil || e.PriceDenominator.Sign() == 0 || e.PriceNumerator == nil {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(e.PriceNumerator, 0)
	den := decimal.NewFromBigInt(e.PriceDenominator, 0)
	return num.DivRound(den, places)
}
