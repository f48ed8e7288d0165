package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// The tax engine is pure: line items in, monetary totals out. All
// intermediate values carry full precision; rounding to two decimals
// (half away from zero) happens exactly once, when results are surfaced.
// Re-rounding downstream is what used to make report totals drift.

// TaxOptions carries the invoice-level tax context.
type TaxOptions struct {
	// CounterpartyFiler disables the non-filer levies when true.
	CounterpartyFiler bool
	// NonFilerGSTRate and IncomeTaxRate apply on the taxable total when the
	// counterparty lacks filer status.
	NonFilerGSTRate float64
	IncomeTaxRate   float64
}

type lineAmounts struct {
	lineTotal  decimal.Decimal
	discount1  decimal.Decimal
	discount2  decimal.Decimal
	taxable    decimal.Decimal
	gst        decimal.Decimal
	advanceTax decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// computeLine runs the per-line pipeline at full precision.
func computeLine(line LineItem) (lineAmounts, error) {
	if line.ItemID == 0 {
		return lineAmounts{}, fmt.Errorf("%w: line item reference required", shared.ErrValidation)
	}
	if line.Quantity <= 0 {
		return lineAmounts{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if line.UnitPrice < 0 {
		return lineAmounts{}, fmt.Errorf("%w: unit price must not be negative", shared.ErrValidation)
	}
	if line.Discount1Percent < 0 || line.Discount2Percent < 0 {
		return lineAmounts{}, fmt.Errorf("%w: discount percent must not be negative", shared.ErrValidation)
	}
	if (line.Discount1Amount != nil && *line.Discount1Amount < 0) ||
		(line.Discount2Amount != nil && *line.Discount2Amount < 0) {
		return lineAmounts{}, fmt.Errorf("%w: discount amount must not be negative", shared.ErrValidation)
	}
	if line.GSTRate < 0 || line.AdvanceTaxPercent < 0 {
		return lineAmounts{}, fmt.Errorf("%w: tax rate must not be negative", shared.ErrValidation)
	}

	qty := decimal.NewFromFloat(line.Quantity).Abs()
	price := decimal.NewFromFloat(line.UnitPrice)
	lineTotal := qty.Mul(price)

	discount1 := percentOf(lineTotal, line.Discount1Percent)
	if line.Discount1Amount != nil {
		discount1 = decimal.NewFromFloat(*line.Discount1Amount)
	}
	afterDiscount1 := lineTotal.Sub(discount1)

	discount2 := percentOf(afterDiscount1, line.Discount2Percent)
	if line.Discount2Amount != nil {
		discount2 = decimal.NewFromFloat(*line.Discount2Amount)
	}
	taxable := afterDiscount1.Sub(discount2)

	return lineAmounts{
		lineTotal:  lineTotal,
		discount1:  discount1,
		discount2:  discount2,
		taxable:    taxable,
		gst:        percentOf(taxable, line.GSTRate),
		advanceTax: percentOf(taxable, line.AdvanceTaxPercent),
	}, nil
}

// CalculateLine fills the computed fields of a line, rounded at the boundary.
func CalculateLine(line LineItem) (LineItem, error) {
	amounts, err := computeLine(line)
	if err != nil {
		return LineItem{}, err
	}
	line.LineTotal = round2(amounts.lineTotal)
	line.Discount1 = round2(amounts.discount1)
	line.Discount2 = round2(amounts.discount2)
	line.TaxableAmount = round2(amounts.taxable)
	line.GSTAmount = round2(amounts.gst)
	line.AdvanceTaxAmount = round2(amounts.advanceTax)
	return line, nil
}

// CalculateInvoice computes lines and invoice totals in one pass. Totals are
// summed at full precision and rounded once; the non-filer levies are
// invoice-level, never summed per line.
func CalculateInvoice(lines []LineItem, opts TaxOptions) ([]LineItem, Totals, error) {
	if len(lines) == 0 {
		return nil, Totals{}, fmt.Errorf("%w: at least one line is required", shared.ErrValidation)
	}

	var subtotal, discount1, discount2, taxable, gst, gst18, gst4, advanceTax decimal.Decimal
	out := make([]LineItem, 0, len(lines))
	for _, line := range lines {
		amounts, err := computeLine(line)
		if err != nil {
			return nil, Totals{}, err
		}
		line.LineTotal = round2(amounts.lineTotal)
		line.Discount1 = round2(amounts.discount1)
		line.Discount2 = round2(amounts.discount2)
		line.TaxableAmount = round2(amounts.taxable)
		line.GSTAmount = round2(amounts.gst)
		line.AdvanceTaxAmount = round2(amounts.advanceTax)
		out = append(out, line)

		subtotal = subtotal.Add(amounts.lineTotal)
		discount1 = discount1.Add(amounts.discount1)
		discount2 = discount2.Add(amounts.discount2)
		taxable = taxable.Add(amounts.taxable)
		gst = gst.Add(amounts.gst)
		advanceTax = advanceTax.Add(amounts.advanceTax)
		switch line.GSTRate {
		case 18:
			gst18 = gst18.Add(amounts.gst)
		case 4:
			gst4 = gst4.Add(amounts.gst)
		}
	}

	var nonFilerGST, incomeTax decimal.Decimal
	if !opts.CounterpartyFiler {
		nonFilerGST = percentOf(taxable, opts.NonFilerGSTRate)
		incomeTax = percentOf(taxable, opts.IncomeTaxRate)
	}

	grand := taxable.Add(gst).Add(advanceTax).Add(nonFilerGST).Add(incomeTax)

	totals := Totals{
		Subtotal:         round2(subtotal),
		TotalDiscount1:   round2(discount1),
		TotalDiscount2:   round2(discount2),
		TotalTax:         round2(gst),
		GST18Total:       round2(gst18),
		GST4Total:        round2(gst4),
		AdvanceTaxTotal:  round2(advanceTax),
		NonFilerGSTTotal: round2(nonFilerGST),
		IncomeTaxTotal:   round2(incomeTax),
		GrandTotal:       round2(grand),
	}
	return out, totals, nil
}

func percentOf(base decimal.Decimal, pct float64) decimal.Decimal {
	if pct == 0 {
		return decimal.Zero
	}
	return base.Mul(decimal.NewFromFloat(pct)).Div(hundred)
}

// round2 rounds half away from zero to two decimals.
func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
