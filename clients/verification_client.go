package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/haibanh/checkout-service/models"
)

// VerificationClient asks the bank-transfer verification endpoint whether a
// transfer carrying an order code has arrived.
type VerificationClient struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

func NewVerificationClient(endpoint string, timeout time.Duration) *VerificationClient {
	return &VerificationClient{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// Check performs one lookup. Each call is bounded by the client timeout even
// when ctx has no deadline.
func (c *VerificationClient) Check(ctx context.Context, orderCode string) (models.VerificationResult, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("parse verification url: %w", err)
	}
	q := u.Query()
	q.Set("containerId", orderCode)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result models.VerificationResult
	if err := doJSON(ctx, c.httpClient, "verification", http.MethodGet, u.String(), nil, nil, &result); err != nil {
		return models.VerificationResult{}, fmt.Errorf("verify %s: %w", orderCode, err)
	}
	return result, nil
}
