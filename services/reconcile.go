package services

import (
	"fmt"

	"github.com/haibanh/checkout-service/models"
	"github.com/haibanh/checkout-service/utils"
	"github.com/shopspring/decimal"
)

// ReconcileTolerance is the largest accepted gap, in VND, between the
// transferred amount and the cart total. The bound is inclusive.
var ReconcileTolerance = decimal.NewFromInt(500)

// Reconciliation is the outcome of comparing an observed transfer with the
// expected total.
type Reconciliation struct {
	Accepted   bool
	Expected   decimal.Decimal
	Received   decimal.Decimal
	Difference decimal.Decimal
}

// Reconcile accepts iff |observed - total| <= ReconcileTolerance.
func Reconcile(observed, total decimal.Decimal) Reconciliation {
	diff := observed.Sub(total)
	return Reconciliation{
		Accepted:   diff.Abs().LessThanOrEqual(ReconcileTolerance),
		Expected:   total,
		Received:   observed,
		Difference: diff,
	}
}

// MismatchTitle heads the notice shown when the amount is rejected.
const MismatchTitle = "Số tiền thanh toán không đúng"

// Notice is the shopper-facing mismatch detail, or "" when accepted.
func (r Reconciliation) Notice() string {
	if r.Accepted {
		return ""
	}
	return fmt.Sprintf("Số tiền yêu cầu: %s, số tiền nhận được: %s",
		utils.FormatVND(r.Expected), utils.FormatVND(r.Received))
}

// TotalAmount sums the cart. It is always computed from the items, never
// cached. Items with unparseable amounts count as zero; the storefront client
// drops those before they get here.
func TotalAmount(items []models.CartLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		if amt, err := it.AmountValue(); err == nil {
			total = total.Add(amt)
		}
	}
	return total
}
