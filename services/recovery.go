package services

import (
	"context"
	"time"

	"github.com/haibanh/checkout-service/models"
	"go.uber.org/zap"
)

const recoveryBatch = 50

// RunSettlementRecovery re-applies unfinished settlements every interval
// until ctx ends.
func (s *Checkout) RunSettlementRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RecoverSettlements(ctx, interval)
		case <-ctx.Done():
			return
		}
	}
}

// RecoverSettlements resumes partial settlements, and pending ones that
// have been stuck longer than staleAfter (their process died mid-way). It
// returns how many sessions reached complete.
func (s *Checkout) RecoverSettlements(ctx context.Context, staleAfter time.Duration) int {
	if s.opts.ServiceToken == "" {
		s.logger.Warn("Settlement recovery skipped: no service token configured")
		return 0
	}

	var candidates []models.CheckoutSession
	for _, status := range []models.SettlementStatus{models.SettlementPartial, models.SettlementPending} {
		sessions, err := s.repo.FindBySettlementStatus(ctx, status, recoveryBatch)
		if err != nil {
			s.logger.Error("Failed to load sessions for recovery", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, session := range sessions {
			if status == models.SettlementPending && !s.stalePending(session, staleAfter) {
				continue
			}
			candidates = append(candidates, session)
		}
	}

	completed := 0
	for i := range candidates {
		session := &candidates[i]
		if s.livePoller(session.ID) != nil {
			continue
		}
		status, err := s.settlement.Resume(ctx, session, s.opts.ServiceToken)
		if err != nil {
			s.logger.Error("Settlement recovery failed", zap.String("session_id", session.ID.String()), zap.Error(err))
			continue
		}
		if status == models.SettlementComplete {
			completed++
			s.logger.Info("Settlement recovered",
				zap.String("session_id", session.ID.String()),
				zap.String("order_code", session.OrderCode),
			)
		}
	}
	return completed
}

func (s *Checkout) stalePending(session models.CheckoutSession, staleAfter time.Duration) bool {
	if session.ConfirmedAt == nil {
		return true
	}
	return s.clock.Now().Sub(*session.ConfirmedAt) >= staleAfter
}
