package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/models"
	"gorm.io/gorm"
)

var openStates = []models.SessionState{models.SessionStateIdle, models.SessionStatePolling}

// CheckoutSessionRepository defines data-access operations for checkout
// sessions and their settlement records.
type CheckoutSessionRepository interface {
	Create(ctx context.Context, session *models.CheckoutSession) error
	Update(ctx context.Context, session *models.CheckoutSession) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error)
	OrderCodeInUse(ctx context.Context, code string) (bool, error)
	FindOpen(ctx context.Context) ([]models.CheckoutSession, error)
	ExpireOpenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkPaymentConfirmed(ctx context.Context, id uuid.UUID, observed models.VerificationResult, at time.Time) (bool, error)
	FindBySettlementStatus(ctx context.Context, status models.SettlementStatus, limit int) ([]models.CheckoutSession, error)

	CreateSettlementItems(ctx context.Context, items []models.SettlementItem) error
	UpdateSettlementItem(ctx context.Context, item *models.SettlementItem) error
	FindSettlementItems(ctx context.Context, sessionID uuid.UUID) ([]models.SettlementItem, error)
}

// GormCheckoutSessionRepository implements CheckoutSessionRepository using GORM.
type GormCheckoutSessionRepository struct {
	db *gorm.DB
}

func NewGormCheckoutSessionRepository(db *gorm.DB) CheckoutSessionRepository {
	return &GormCheckoutSessionRepository{db: db}
}

func (r *GormCheckoutSessionRepository) Create(ctx context.Context, session *models.CheckoutSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *GormCheckoutSessionRepository) Update(ctx context.Context, session *models.CheckoutSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

func (r *GormCheckoutSessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	var s models.CheckoutSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// OrderCodeInUse reports whether an idle or polling session already shows code.
func (r *GormCheckoutSessionRepository) OrderCodeInUse(ctx context.Context, code string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.CheckoutSession{}).
		Where("order_code = ? AND state IN ?", code, openStates).
		Count(&n).Error
	return n > 0, err
}

func (r *GormCheckoutSessionRepository) FindOpen(ctx context.Context) ([]models.CheckoutSession, error) {
	var sessions []models.CheckoutSession
	err := r.db.WithContext(ctx).
		Where("state IN ?", openStates).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// ExpireOpenBefore moves open sessions whose deadline is before cutoff to
// expired and returns how many were moved.
func (r *GormCheckoutSessionRepository) ExpireOpenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CheckoutSession{}).
		Where("state IN ? AND deadline_at < ?", openStates, cutoff).
		Updates(map[string]interface{}{"state": models.SessionStateExpired})
	return res.RowsAffected, res.Error
}

// MarkPaymentConfirmed flips payment_confirmed from false to true. It
// returns false when another writer already confirmed the session, in which
// case the caller must not settle.
func (r *GormCheckoutSessionRepository) MarkPaymentConfirmed(ctx context.Context, id uuid.UUID, observed models.VerificationResult, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CheckoutSession{}).
		Where("id = ? AND payment_confirmed = ?", id, false).
		Updates(map[string]interface{}{
			"payment_confirmed": true,
			"state":             models.SessionStateConfirmed,
			"observed_amount":   observed.Amount,
			"confirmed_at":      at,
			"settlement_status": models.SettlementPending,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormCheckoutSessionRepository) FindBySettlementStatus(ctx context.Context, status models.SettlementStatus, limit int) ([]models.CheckoutSession, error) {
	var sessions []models.CheckoutSession
	err := r.db.WithContext(ctx).
		Where("settlement_status = ?", status).
		Order("confirmed_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *GormCheckoutSessionRepository) CreateSettlementItems(ctx context.Context, items []models.SettlementItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *GormCheckoutSessionRepository) UpdateSettlementItem(ctx context.Context, item *models.SettlementItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

func (r *GormCheckoutSessionRepository) FindSettlementItems(ctx context.Context, sessionID uuid.UUID) ([]models.SettlementItem, error) {
	var items []models.SettlementItem
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}
