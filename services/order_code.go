package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/repository"
	"go.uber.org/zap"
)

// MaxOrderCodeAttempts bounds regeneration when codes collide.
const MaxOrderCodeAttempts = 8

// GenerateOrderCode builds the six-digit transfer description:
// minute, then (second*1000+millisecond) mod 100, then floor(r*1000) mod 100,
// each zero-padded to two digits. random must return values in [0,1).
func GenerateOrderCode(now time.Time, random func() float64) string {
	minute := now.Minute()
	millis := (now.Second()*1000 + now.Nanosecond()/int(time.Millisecond)) % 100
	suffix := int(math.Floor(random()*1000)) % 100
	return fmt.Sprintf("%02d%02d%02d", minute, millis, suffix)
}

// OrderCodeIssuer hands out order codes not shown by any other open session.
type OrderCodeIssuer struct {
	store  repository.OrderCodeStore
	clock  Clock
	random func() float64
	logger *zap.Logger
}

type IssuerOption func(*OrderCodeIssuer)

func WithIssuerClock(c Clock) IssuerOption {
	return func(i *OrderCodeIssuer) { i.clock = c }
}

func WithRandom(r func() float64) IssuerOption {
	return func(i *OrderCodeIssuer) { i.random = r }
}

func NewOrderCodeIssuer(store repository.OrderCodeStore, logger *zap.Logger, opts ...IssuerOption) *OrderCodeIssuer {
	i := &OrderCodeIssuer{
		store:  store,
		clock:  RealClock,
		random: rand.Float64,
		logger: logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue generates and reserves a code for ttl.
func (i *OrderCodeIssuer) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	for attempt := 1; attempt <= MaxOrderCodeAttempts; attempt++ {
		code := GenerateOrderCode(i.clock.Now(), i.random)
		ok, err := i.store.Reserve(ctx, code, ttl)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrServiceUnavailable, err)
		}
		if ok {
			return code, nil
		}
		i.logger.Debug("Order code collision, regenerating", zap.String("code", code), zap.Int("attempt", attempt))
	}
	return "", apperrors.ErrOrderCodeExhausted
}

// Release frees a code once its session can no longer be paid.
func (i *OrderCodeIssuer) Release(ctx context.Context, code string) {
	if err := i.store.Release(ctx, code); err != nil {
		i.logger.Warn("Failed to release order code", zap.String("code", code), zap.Error(err))
	}
}
