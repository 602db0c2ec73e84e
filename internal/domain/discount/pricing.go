package discount

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// DiscountedPrice computes the price of a product after applying the
// discount:
//
//   - dollars-off: max(0, price - amount); the discounted price never goes
//     below zero.
//   - fixed-price: amount, unless amount >= price, in which case the original
//     price stands; a fixed-price discount never raises the price.
//   - percent-off: price - price*amount/100, rounded to two decimal places.
//
// Unknown types leave the price unchanged.
func (d *Discount) DiscountedPrice(price decimal.Decimal) decimal.Decimal {
	switch d.Type {
	case TypeDollarsOff:
		discounted := price.Sub(d.Amount)
		if discounted.IsNegative() {
			return decimal.Zero
		}
		return discounted
	case TypeFixedPrice:
		if d.Amount.GreaterThanOrEqual(price) {
			return price
		}
		return d.Amount
	case TypePercentOff:
		return price.Sub(price.Mul(d.Amount).Div(hundred)).Round(2)
	default:
		return price
	}
}
