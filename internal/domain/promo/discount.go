package promo

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/trip-promo/internal/domain/money"
)

var basisPointsDivisor = decimal.NewFromInt(MaxBasisPoints)

// ComputeDiscount returns the discount code grants on purchase. Percentage
// discounts are rounded down to the minor unit; every result lies in
// [0, purchase].
func ComputeDiscount(c *Code, purchase money.Money) money.Money {
	if purchase <= 0 {
		return money.Zero
	}

	var amount money.Money
	switch c.Discount.Type {
	case DiscountPercentage:
		amount = percentOf(purchase, c.Discount.BasisPoints)
	case DiscountFixed:
		amount = c.Discount.Amount
	default:
		return money.Zero
	}

	if amount.IsNegative() {
		return money.Zero
	}
	return money.Min(amount, purchase)
}

// percentOf computes floor(purchase * bp / 10000) without overflow.
func percentOf(purchase money.Money, bp int64) money.Money {
	product := decimal.NewFromInt(purchase.Minor()).Mul(decimal.NewFromInt(bp))
	q, _ := product.QuoRem(basisPointsDivisor, 0)
	return money.FromMinor(q.IntPart())
}
