package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankDetails is the fixed transfer destination shown on the checkout page.
type BankDetails struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountHolder string `json:"account_holder"`
}

// Banner kinds.
const (
	BannerEmpty     = "empty"
	BannerWaiting   = "waiting"
	BannerMismatch  = "mismatch"
	BannerSuccess   = "success"
	BannerExpired   = "expired"
	BannerCancelled = "cancelled"
)

// Banner is the status message the checkout page renders.
type Banner struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// CheckoutView is everything the checkout page needs to render a session.
type CheckoutView struct {
	SessionID        string           `json:"session_id,omitempty"`
	OrderCode        string           `json:"order_code,omitempty"`
	State            SessionState     `json:"state"`
	Items            []CartLineItem   `json:"items"`
	Total            decimal.Decimal  `json:"total"`
	TotalFormatted   string           `json:"total_formatted"`
	Bank             BankDetails      `json:"bank"`
	QRCodeURL        string           `json:"qr_code_url,omitempty"`
	Banner           Banner           `json:"banner"`
	ObservedAmount   *decimal.Decimal `json:"observed_amount,omitempty"`
	SettlementStatus SettlementStatus `json:"settlement_status,omitempty"`
	RedirectTo       string           `json:"redirect_to,omitempty"`
	RedirectAfterMs  int64            `json:"redirect_after_ms,omitempty"`
	DeadlineAt       *time.Time       `json:"deadline_at,omitempty"`
}
