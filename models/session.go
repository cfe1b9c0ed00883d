package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SessionState is the payment poller's state.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStatePolling   SessionState = "polling"
	SessionStateConfirmed SessionState = "confirmed"
	SessionStateExpired   SessionState = "expired"
	SessionStateCancelled SessionState = "cancelled"
)

// Terminal reports whether no further polling can happen from s.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateConfirmed, SessionStateExpired, SessionStateCancelled:
		return true
	}
	return false
}

// SettlementStatus tracks how far settlement of a confirmed session got.
type SettlementStatus string

const (
	SettlementNone     SettlementStatus = "none"
	SettlementPending  SettlementStatus = "pending"
	SettlementComplete SettlementStatus = "complete"
	SettlementPartial  SettlementStatus = "partial"
)

// CheckoutSession is one checkout-page visit: the order code shown to the
// shopper, the cart it was computed from and the poller's progress.
type CheckoutSession struct {
	ID               uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID           string              `gorm:"type:varchar(128);not null;index" json:"user_id"`
	OrderCode        string              `gorm:"type:varchar(16);not null;index" json:"order_code"`
	TotalAmount      decimal.Decimal     `gorm:"type:numeric(18,2);not null" json:"total_amount"`
	State            SessionState        `gorm:"type:varchar(20);not null;index" json:"state"`
	PaymentConfirmed bool                `gorm:"not null" json:"payment_confirmed"`
	ObservedAmount   decimal.NullDecimal `gorm:"type:numeric(18,2)" json:"observed_amount"`
	Attempts         int                 `gorm:"not null" json:"attempts"`
	LastError        string              `gorm:"type:text" json:"last_error,omitempty"`
	MismatchNotice   string              `gorm:"type:text" json:"mismatch_notice,omitempty"`
	ItemsJSON        string              `gorm:"type:jsonb" json:"-"`
	SettlementStatus SettlementStatus    `gorm:"type:varchar(20);not null;index" json:"settlement_status"`
	DeadlineAt       time.Time           `json:"deadline_at"`
	ConfirmedAt      *time.Time          `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt      `gorm:"index" json:"-"`
}

// BeforeSave keeps items_json valid JSON for the jsonb column.
func (s *CheckoutSession) BeforeSave(tx *gorm.DB) error {
	if s.ItemsJSON == "" {
		s.ItemsJSON = "[]"
	}
	return nil
}

// Items decodes the cart snapshot stored with the session.
func (s *CheckoutSession) Items() ([]CartLineItem, error) {
	if s.ItemsJSON == "" || s.ItemsJSON == "[]" {
		return nil, nil
	}
	var items []CartLineItem
	if err := json.Unmarshal([]byte(s.ItemsJSON), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SetItems stores the cart snapshot with the session.
func (s *CheckoutSession) SetItems(items []CartLineItem) error {
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	s.ItemsJSON = string(b)
	return nil
}

// SettlementItem records whether one line item of a confirmed session has
// been marked paid upstream.
type SettlementItem struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	SessionID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"session_id"`
	LineItemID string     `gorm:"type:varchar(128);not null" json:"line_item_id"`
	OrderCode  string     `gorm:"type:varchar(16);not null" json:"order_code"`
	Settled    bool       `gorm:"not null" json:"settled"`
	Attempts   int        `gorm:"not null" json:"attempts"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
