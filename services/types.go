package services

import (
	"context"
	"time"

	"github.com/haibanh/checkout-service/models"
)

// CartSource is the storefront backend's user-product API.
type CartSource interface {
	UnpaidItems(ctx context.Context, token string) ([]models.CartLineItem, error)
	PaidItems(ctx context.Context, token string) ([]models.CartLineItem, error)
	MarkPaid(ctx context.Context, token, userProductID, orderCode string) error
	CreateUserProduct(ctx context.Context, token string, req models.CreateUserProductRequest) (*models.CartLineItem, error)
	DeleteUserProduct(ctx context.Context, token, userProductID string) error
}

// PaymentVerifier looks up a bank transfer by order code.
type PaymentVerifier interface {
	Check(ctx context.Context, orderCode string) (models.VerificationResult, error)
}

// CartNotifier broadcasts cart-changed events.
type CartNotifier interface {
	Publish(ctx context.Context, evt models.CartChangedEvent)
}

// MetricsRecorder records business counters.
type MetricsRecorder interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// Clock abstracts time for the poller.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type nopMetrics struct{}

func (nopMetrics) RecordCount(context.Context, string, map[string]string) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, models.CartChangedEvent) {}
