package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/haibanh/checkout-service/models"
	"go.uber.org/zap"
)

// StorefrontClient talks to the storefront backend's user-product API. The
// shopper's Authorization header is forwarded verbatim.
type StorefrontClient struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
	logger     *zap.Logger
}

func NewStorefrontClient(baseURL string, timeout time.Duration, logger *zap.Logger) *StorefrontClient {
	return &StorefrontClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		validate:   validator.New(),
		logger:     logger,
	}
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": token}
}

// ListUserProducts returns the caller's records with the given paid flag.
// Deleted records and records that fail validation are dropped.
func (c *StorefrontClient) ListUserProducts(ctx context.Context, token string, paid bool) ([]models.CartLineItem, error) {
	endpoint := c.baseURL + "/userproducts/userid/id?status=" + strconv.FormatBool(paid)

	var raw []models.CartLineItem
	if err := doJSON(ctx, c.httpClient, "storefront", http.MethodGet, endpoint, authHeader(token), nil, &raw); err != nil {
		return nil, fmt.Errorf("list user products: %w", err)
	}

	items := make([]models.CartLineItem, 0, len(raw))
	for _, it := range raw {
		if it.IsDeleted || it.Status != paid {
			continue
		}
		if err := c.validate.Struct(it); err != nil {
			c.logger.Warn("Dropping invalid user product", zap.String("userproductid", it.UserProductID), zap.Error(err))
			continue
		}
		if _, err := it.AmountValue(); err != nil {
			c.logger.Warn("Dropping user product with bad amount", zap.String("userproductid", it.UserProductID), zap.String("amount", it.Amount))
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// UnpaidItems is the cart snapshot.
func (c *StorefrontClient) UnpaidItems(ctx context.Context, token string) ([]models.CartLineItem, error) {
	return c.ListUserProducts(ctx, token, false)
}

// PaidItems is the purchased-items list.
func (c *StorefrontClient) PaidItems(ctx context.Context, token string) ([]models.CartLineItem, error) {
	return c.ListUserProducts(ctx, token, true)
}

// MarkPaid sets transactionid and status=true on one record. Repeating it
// with the same order code is harmless.
func (c *StorefrontClient) MarkPaid(ctx context.Context, token, userProductID, orderCode string) error {
	endpoint := c.baseURL + "/userproducts/" + url.PathEscape(userProductID)
	body := models.SettlementUpdate{TransactionID: orderCode, Status: true}
	if err := doJSON(ctx, c.httpClient, "storefront", http.MethodPatch, endpoint, authHeader(token), body, nil); err != nil {
		return fmt.Errorf("mark user product %s paid: %w", userProductID, err)
	}
	return nil
}

func (c *StorefrontClient) CreateUserProduct(ctx context.Context, token string, req models.CreateUserProductRequest) (*models.CartLineItem, error) {
	var created models.CartLineItem
	if err := doJSON(ctx, c.httpClient, "storefront", http.MethodPost, c.baseURL+"/userproducts", authHeader(token), req, &created); err != nil {
		return nil, fmt.Errorf("create user product: %w", err)
	}
	return &created, nil
}

func (c *StorefrontClient) DeleteUserProduct(ctx context.Context, token, userProductID string) error {
	endpoint := c.baseURL + "/userproducts/" + url.PathEscape(userProductID)
	if err := doJSON(ctx, c.httpClient, "storefront", http.MethodDelete, endpoint, authHeader(token), nil, nil); err != nil {
		return fmt.Errorf("delete user product %s: %w", userProductID, err)
	}
	return nil
}
