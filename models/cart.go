package models

import (
	"github.com/haibanh/checkout-service/utils"
	"github.com/shopspring/decimal"
)

// Product is the catalog entry embedded in a user-product record.
type Product struct {
	ProductID    string `json:"productid"`
	ProductName  string `json:"productname"`
	IsCourse     bool   `json:"iscourse,omitempty"`
	Description  string `json:"description,omitempty"`
	RegularPrice string `json:"regularprice,omitempty"`
	SalePrice    string `json:"saleprice,omitempty"`
	ImageURL     string `json:"imageurl,omitempty"`
	IsActive     bool   `json:"isactive,omitempty"`
}

// CartLineItem is one user-product record. Unpaid records (Status=false)
// make up the cart; paid ones are the user's purchased items.
type CartLineItem struct {
	UserProductID string  `json:"userproductid" validate:"required"`
	UserID        string  `json:"userid,omitempty"`
	ProductID     string  `json:"productid" validate:"required"`
	Amount        string  `json:"amount" validate:"required"` // numeric string, VND
	TransactionID string  `json:"transactionid,omitempty"`
	CreatedAt     string  `json:"createdat,omitempty"`
	IsDeleted     bool    `json:"isdeleted,omitempty"`
	Status        bool    `json:"status"`
	Products      Product `json:"products"`
}

// AmountValue parses the upstream amount string.
func (i CartLineItem) AmountValue() (decimal.Decimal, error) {
	return utils.ParseAmount(i.Amount)
}

// SettlementUpdate is the PATCH body that marks a record as paid.
type SettlementUpdate struct {
	TransactionID string `json:"transactionid"`
	Status        bool   `json:"status"`
}

// CreateUserProductRequest is the POST body that puts a product in the cart.
type CreateUserProductRequest struct {
	ProductID string `json:"productid"`
	Amount    string `json:"amount"`
	Status    bool   `json:"status"`
}

// AddCartItemRequest is the payload accepted by POST /cart/items.
type AddCartItemRequest struct {
	ProductID string `json:"productid" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// CartSummary backs the navbar badge and the cart popover.
type CartSummary struct {
	Items          []CartLineItem  `json:"items"`
	Count          int             `json:"count"`
	Total          decimal.Decimal `json:"total"`
	TotalFormatted string          `json:"total_formatted"`
}
