package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/clients"
	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/haibanh/checkout-service/repository"
	"go.uber.org/zap"
)

// SettlementApplier marks every line item of a confirmed session as paid
// upstream, one item at a time, and records each outcome. Items that still
// fail after the retries are left for Resume; nothing is rolled back.
type SettlementApplier struct {
	cart     CartSource
	repo     repository.CheckoutSessionRepository
	notifier CartNotifier
	metrics  MetricsRecorder
	logger   *zap.Logger

	retries int
	backoff time.Duration
	now     func() time.Time
}

func NewSettlementApplier(cart CartSource, repo repository.CheckoutSessionRepository, notifier CartNotifier, metrics MetricsRecorder, logger *zap.Logger, retries int) *SettlementApplier {
	if retries < 1 {
		retries = 1
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &SettlementApplier{
		cart:     cart,
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		retries:  retries,
		backoff:  500 * time.Millisecond,
		now:      time.Now,
	}
}

// Apply settles a freshly confirmed session.
func (a *SettlementApplier) Apply(ctx context.Context, session *models.CheckoutSession, items []models.CartLineItem, token string) models.SettlementStatus {
	records := make([]models.SettlementItem, 0, len(items))
	for _, it := range items {
		records = append(records, models.SettlementItem{
			ID:         uuid.New(),
			SessionID:  session.ID,
			LineItemID: it.UserProductID,
			OrderCode:  session.OrderCode,
		})
	}
	if err := a.repo.CreateSettlementItems(ctx, records); err != nil {
		a.logger.Error("Failed to record settlement items", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
	return a.settle(ctx, session, records, token)
}

// Resume re-applies outstanding items of a pending or partial session.
func (a *SettlementApplier) Resume(ctx context.Context, session *models.CheckoutSession, token string) (models.SettlementStatus, error) {
	records, err := a.repo.FindSettlementItems(ctx, session.ID)
	if err != nil {
		return session.SettlementStatus, err
	}
	if len(records) == 0 {
		items, err := session.Items()
		if err != nil {
			return session.SettlementStatus, err
		}
		return a.Apply(ctx, session, items, token), nil
	}
	return a.settle(ctx, session, records, token), nil
}

func (a *SettlementApplier) settle(ctx context.Context, session *models.CheckoutSession, records []models.SettlementItem, token string) models.SettlementStatus {
	settledNow := 0
	outstanding := 0

	for i := range records {
		rec := &records[i]
		if rec.Settled {
			continue
		}
		if a.settleOne(ctx, rec, token) {
			settledNow++
		} else {
			outstanding++
		}
		if err := a.repo.UpdateSettlementItem(ctx, rec); err != nil {
			a.logger.Error("Failed to save settlement item",
				zap.String("session_id", session.ID.String()),
				zap.String("line_item_id", rec.LineItemID),
				zap.Error(err),
			)
		}
	}

	status := models.SettlementComplete
	if outstanding > 0 {
		status = models.SettlementPartial
		a.logger.Warn("Settlement incomplete",
			zap.String("session_id", session.ID.String()),
			zap.String("order_code", session.OrderCode),
			zap.Int("outstanding", outstanding),
		)
		if err := a.metrics.RecordCount(ctx, aws_pkg.MetricSettlementFailed, nil); err != nil {
			a.logger.Debug("Failed to record metric", zap.Error(err))
		}
	}
	session.SettlementStatus = status
	if err := a.repo.Update(ctx, session); err != nil {
		a.logger.Error("Failed to save settlement status", zap.String("session_id", session.ID.String()), zap.Error(err))
	}

	if settledNow > 0 {
		evt := models.NewCartChangedEvent(session.UserID, models.CartReasonSettled)
		evt.SessionID = session.ID.String()
		evt.OrderCode = session.OrderCode
		a.notifier.Publish(ctx, evt)
	}
	return status
}

func (a *SettlementApplier) settleOne(ctx context.Context, rec *models.SettlementItem, token string) bool {
	for attempt := 1; attempt <= a.retries; attempt++ {
		rec.Attempts++
		err := a.cart.MarkPaid(ctx, token, rec.LineItemID, rec.OrderCode)
		if err == nil {
			at := a.now()
			rec.Settled = true
			rec.SettledAt = &at
			rec.LastError = ""
			return true
		}
		rec.LastError = err.Error()
		a.logger.Warn("Settlement update failed",
			zap.String("line_item_id", rec.LineItemID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !clients.IsRetryable(err) || attempt == a.retries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.backoff * time.Duration(attempt)):
		}
	}
	return false
}

// WithBackoff sets the base wait between retries of one item.
func (a *SettlementApplier) WithBackoff(d time.Duration) *SettlementApplier {
	a.backoff = d
	return a
}
