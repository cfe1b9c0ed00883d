package models

import "time"

// Cart-changed reasons.
const (
	CartReasonSettled     = "settled"
	CartReasonItemAdded   = "item_added"
	CartReasonItemRemoved = "item_removed"
)

// CartChangedEvent tells cart surfaces (navbar badge, purchased list) to
// re-read cart state. It carries no cart data.
type CartChangedEvent struct {
	EventType string    `json:"event_type"` // always "cart_updated"
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"session_id,omitempty"`
	OrderCode string    `json:"order_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCartChangedEvent stamps a cart_updated event.
func NewCartChangedEvent(userID, reason string) CartChangedEvent {
	return CartChangedEvent{
		EventType: "cart_updated",
		UserID:    userID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
