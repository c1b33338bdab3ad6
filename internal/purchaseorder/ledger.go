package purchaseorder

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Totals holds the order-level monetary rollups derived from item and
// discount/charge state.
type Totals struct {
	Gross           decimal.Decimal
	ItemDiscount    decimal.Decimal
	Subtotal        decimal.Decimal
	OrderAdjustment decimal.Decimal
	GrandTotal      decimal.Decimal
}

// ItemTotals computes the discount amount and line total for one line.
// Rounding happens at the line-total step, never on intermediate values.
func ItemTotals(quantity, unitPrice decimal.Decimal, discountType DiscountType, discountValue decimal.Decimal) (discountAmount, lineTotal decimal.Decimal) {
	gross := quantity.Mul(unitPrice)
	switch discountType {
	case DiscountPercentage:
		discountAmount = gross.Mul(discountValue).Div(hundred).Round(2)
	case DiscountFixed:
		discountAmount = discountValue.Round(2)
	default:
		discountAmount = decimal.Zero
	}
	lineTotal = gross.Sub(discountAmount).Round(2)
	return discountAmount, lineTotal
}

// ApplyItemTotals recomputes and stores the derived fields on the item.
func ApplyItemTotals(item *OrderItem) {
	item.DiscountAmount, item.LineTotal = ItemTotals(item.Quantity, item.UnitPrice, item.DiscountType, item.DiscountValue)
}

// ChargeAmount computes the signed monetary value of one order-level
// discount/charge against the given subtotal.
func ChargeAmount(dc DiscountCharge, subtotal decimal.Decimal) decimal.Decimal {
	amount := dc.Value
	if dc.IsPercentage {
		amount = dc.Value.Div(hundred).Mul(subtotal)
	}
	if dc.IsDeduction {
		amount = amount.Neg()
	}
	return amount
}

// OrderTotals derives all order rollups from current item and discount/charge
// state. The caller persists the result in the same transaction as the
// mutation that invalidated the previous totals.
func OrderTotals(items []OrderItem, charges []DiscountCharge) Totals {
	var t Totals
	t.Gross = decimal.Zero
	t.ItemDiscount = decimal.Zero
	for _, item := range items {
		t.Gross = t.Gross.Add(item.Quantity.Mul(item.UnitPrice))
		t.ItemDiscount = t.ItemDiscount.Add(item.DiscountAmount)
	}
	t.Gross = t.Gross.Round(2)
	t.Subtotal = t.Gross.Sub(t.ItemDiscount)

	adjustment := decimal.Zero
	for _, dc := range charges {
		adjustment = adjustment.Add(ChargeAmount(dc, t.Subtotal))
	}
	t.OrderAdjustment = adjustment.Round(2)
	t.GrandTotal = t.Subtotal.Add(t.OrderAdjustment)
	return t
}
