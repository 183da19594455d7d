package domain

import "github.com/shopspring/decimal"

// Tick and quantity rounding rules shared by the pricing pipeline and
// the paper simulator.

// QtyPrecision is the decimal precision for fractional share quantities
const QtyPrecision = 6

// RoundToTick rounds a price to the venue tick: cents at or above one
// dollar, four decimal places below.
func RoundToTick(price decimal.Decimal) decimal.Decimal {
	if price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return price.Round(2)
	}
	return price.Round(4)
}

// FloorShares converts a dollar amount at a price into a share
// quantity, truncated to QtyPrecision decimal places.
func FloorShares(amount, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return amount.Div(price).RoundFloor(QtyPrecision)
}

// VWAP computes the volume-weighted average price of a set of fills.
// Returns zero when nothing filled.
func VWAP(fills []Fill) decimal.Decimal {
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, f := range fills {
		totalQty = totalQty.Add(f.Quantity)
		totalNotional = totalNotional.Add(f.Quantity.Mul(f.Price))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalNotional.Div(totalQty).Round(QtyPrecision)
}

// Fill is one (quantity, price) execution used for VWAP aggregation
type Fill struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}
