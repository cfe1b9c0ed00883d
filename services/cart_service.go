package services

import (
	"context"

	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/clients"
	"github.com/haibanh/checkout-service/logger"
	"github.com/haibanh/checkout-service/models"
	"github.com/haibanh/checkout-service/utils"
	"go.uber.org/zap"
)

// CartService backs the navbar badge, the cart popover and the purchased
// list, and publishes a cart-changed event on every mutation.
type CartService interface {
	Summary(ctx context.Context, userID, token string) (*models.CartSummary, error)
	Purchased(ctx context.Context, userID, token string) (*models.CartSummary, error)
	AddItem(ctx context.Context, userID, token string, req models.AddCartItemRequest) (*models.CartLineItem, error)
	RemoveItem(ctx context.Context, userID, token, userProductID string) error
}

type cartService struct {
	cart     CartSource
	notifier CartNotifier
}

// NewCartService logs through the request-scoped logger helpers, so every
// line carries the caller's request id.
func NewCartService(cart CartSource, notifier CartNotifier) CartService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &cartService{cart: cart, notifier: notifier}
}

func (s *cartService) Summary(ctx context.Context, userID, token string) (*models.CartSummary, error) {
	items, err := s.cart.UnpaidItems(ctx, token)
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	return summarize(items), nil
}

func (s *cartService) Purchased(ctx context.Context, userID, token string) (*models.CartSummary, error) {
	items, err := s.cart.PaidItems(ctx, token)
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	return summarize(items), nil
}

// AddItem puts a product in the cart unless it is already there or was
// already bought.
func (s *cartService) AddItem(ctx context.Context, userID, token string, req models.AddCartItemRequest) (*models.CartLineItem, error) {
	if _, err := utils.ParseAmount(req.Amount); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err)
	}

	unpaid, err := s.cart.UnpaidItems(ctx, token)
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	if containsProduct(unpaid, req.ProductID) {
		return nil, apperrors.ErrAlreadyInCart
	}
	paid, err := s.cart.PaidItems(ctx, token)
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	if containsProduct(paid, req.ProductID) {
		return nil, apperrors.ErrAlreadyPurchased
	}

	created, err := s.cart.CreateUserProduct(ctx, token, models.CreateUserProductRequest{
		ProductID: req.ProductID,
		Amount:    req.Amount,
		Status:    false,
	})
	if err != nil {
		return nil, s.writeError(ctx, err)
	}

	s.notifier.Publish(ctx, models.NewCartChangedEvent(userID, models.CartReasonItemAdded))
	return created, nil
}

// RemoveItem deletes an unpaid record. Purchased records cannot be removed.
func (s *cartService) RemoveItem(ctx context.Context, userID, token, userProductID string) error {
	unpaid, err := s.cart.UnpaidItems(ctx, token)
	if err != nil {
		return s.readError(ctx, err)
	}
	found := false
	for _, it := range unpaid {
		if it.UserProductID == userProductID {
			found = true
			break
		}
	}
	if !found {
		return apperrors.ErrNotFound
	}

	if err := s.cart.DeleteUserProduct(ctx, token, userProductID); err != nil {
		return s.writeError(ctx, err)
	}

	s.notifier.Publish(ctx, models.NewCartChangedEvent(userID, models.CartReasonItemRemoved))
	return nil
}

func (s *cartService) readError(ctx context.Context, err error) error {
	if authErr := upstreamAuthError(err); authErr != nil {
		return authErr
	}
	logger.Warn(ctx, "Cart read failed", zap.Error(err))
	return apperrors.Wrap(apperrors.ErrCartUnavailable, err)
}

func (s *cartService) writeError(ctx context.Context, err error) error {
	if authErr := upstreamAuthError(err); authErr != nil {
		return authErr
	}
	logger.Warn(ctx, "Cart update failed", zap.Error(err))
	return apperrors.Wrap(apperrors.ErrUpstream, err)
}

// upstreamAuthError maps a 401/403 from the storefront onto the caller.
func upstreamAuthError(err error) error {
	switch {
	case clients.IsForbidden(err):
		return apperrors.Wrap(apperrors.ErrForbidden, err)
	case clients.IsUnauthorized(err):
		return apperrors.Wrap(apperrors.ErrUnauthorized, err)
	}
	return nil
}

func summarize(items []models.CartLineItem) *models.CartSummary {
	if items == nil {
		items = []models.CartLineItem{}
	}
	total := TotalAmount(items)
	return &models.CartSummary{
		Items:          items,
		Count:          len(items),
		Total:          total,
		TotalFormatted: utils.FormatVND(total),
	}
}

func containsProduct(items []models.CartLineItem, productID string) bool {
	for _, it := range items {
		if it.ProductID == productID {
			return true
		}
	}
	return false
}
