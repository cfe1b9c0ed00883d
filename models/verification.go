package models

import "github.com/shopspring/decimal"

// VerificationResult is the payment-verification endpoint's answer for one
// order code.
type VerificationResult struct {
	Success bool            `json:"success"`
	Found   bool            `json:"found"`
	Amount  decimal.Decimal `json:"amount"`
}

// Matched reports whether a transfer carrying the order code was observed.
func (r VerificationResult) Matched() bool {
	return r.Success && r.Found
}
