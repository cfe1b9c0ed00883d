package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/logger"
	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/haibanh/checkout-service/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// resumeRequestID tags the logs of sessions picked up after a restart.
const resumeRequestID = "resume"

// CheckoutService runs checkout sessions for the HTTP layer.
type CheckoutService interface {
	Start(ctx context.Context, userID, token string) (*models.CheckoutView, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.CheckoutView, error)
	Refresh(ctx context.Context, userID string, id uuid.UUID, token string) (*models.CheckoutView, error)
	Cancel(ctx context.Context, userID string, id uuid.UUID) (*models.CheckoutView, error)
}

// CheckoutOptions are the tunables of the checkout workflow.
type CheckoutOptions struct {
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollDeadline    time.Duration
	PollMaxAttempts int

	// ServiceToken authorizes settlement for sessions whose shopper token is
	// no longer available (resumed sessions, recovery).
	ServiceToken string

	View ViewOptions
}

type livePoller struct {
	poller *Poller
	userID string
	token  string
}

// Checkout owns the live pollers of this process.
type Checkout struct {
	cart       CartSource
	verifier   PaymentVerifier
	repo       repository.CheckoutSessionRepository
	issuer     *OrderCodeIssuer
	settlement *SettlementApplier
	metrics    MetricsRecorder
	clock      Clock
	logger     *zap.Logger
	opts       CheckoutOptions

	runCtx  context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	live map[uuid.UUID]*livePoller
}

func NewCheckoutService(
	cart CartSource,
	verifier PaymentVerifier,
	repo repository.CheckoutSessionRepository,
	issuer *OrderCodeIssuer,
	settlement *SettlementApplier,
	metrics MetricsRecorder,
	clock Clock,
	logger *zap.Logger,
	opts CheckoutOptions,
) *Checkout {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollDeadline <= 0 {
		opts.PollDeadline = 30 * time.Minute
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Checkout{
		cart:       cart,
		verifier:   verifier,
		repo:       repo,
		issuer:     issuer,
		settlement: settlement,
		metrics:    metrics,
		clock:      clock,
		logger:     logger,
		opts:       opts,
		runCtx:     runCtx,
		stopAll:    stop,
		live:       make(map[uuid.UUID]*livePoller),
	}
}

// Start snapshots the caller's cart, issues an order code and begins
// polling. An empty cart yields the empty view and no session.
func (s *Checkout) Start(ctx context.Context, userID, token string) (*models.CheckoutView, error) {
	items, err := s.readCart(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return EmptyCartView(s.opts.View), nil
	}

	// a fresh code supersedes any session the user still has open
	s.cancelUserSessions(ctx, userID, "superseded by new checkout")

	code, err := s.issuer.Issue(ctx, s.opts.PollDeadline)
	if err != nil {
		return nil, err
	}

	session := models.CheckoutSession{
		ID:               uuid.New(),
		UserID:           userID,
		OrderCode:        code,
		TotalAmount:      TotalAmount(items),
		State:            models.SessionStateIdle,
		SettlementStatus: models.SettlementNone,
		DeadlineAt:       s.clock.Now().Add(s.opts.PollDeadline),
	}
	if err := session.SetItems(items); err != nil {
		s.issuer.Release(ctx, code)
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if err := s.repo.Create(ctx, &session); err != nil {
		s.issuer.Release(ctx, code)
		logger.Error(ctx, "Failed to create checkout session", err, zap.String("user_id", userID))
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	requestID := logger.RequestID(ctx)
	p := s.newPoller(session, items, token, requestID)
	if !p.Start(ctx) {
		return BuildView(session, items, s.opts.View), nil
	}
	s.launch(userID, token, requestID, p)

	if err := s.metrics.RecordCount(ctx, aws_pkg.MetricCheckoutStarted, nil); err != nil {
		logger.Debug(ctx, "Failed to record metric", zap.Error(err))
	}
	logger.Info(ctx, "Checkout session started",
		zap.String("session_id", session.ID.String()),
		zap.String("user_id", userID),
		zap.String("order_code", code),
		zap.String("total", session.TotalAmount.String()),
	)

	snap, snapItems := p.Snapshot()
	return BuildView(snap, snapItems, s.opts.View), nil
}

func (s *Checkout) Get(ctx context.Context, userID string, id uuid.UUID) (*models.CheckoutView, error) {
	if lp := s.livePoller(id); lp != nil {
		if lp.userID != userID {
			return nil, apperrors.ErrSessionNotFound
		}
		snap, items := lp.poller.Snapshot()
		return BuildView(snap, items, s.opts.View), nil
	}

	session, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	items, _ := session.Items()
	return BuildView(*session, items, s.opts.View), nil
}

// Refresh re-reads the cart of a live session. An emptied cart cancels the
// session; a changed cart changes the total but keeps the order code. A
// session that already ended cannot be refreshed.
func (s *Checkout) Refresh(ctx context.Context, userID string, id uuid.UUID, token string) (*models.CheckoutView, error) {
	lp := s.livePoller(id)
	if lp == nil {
		session, err := s.load(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if session.State.Terminal() {
			return nil, apperrors.ErrSessionClosed
		}
		items, _ := session.Items()
		return BuildView(*session, items, s.opts.View), nil
	}
	if lp.userID != userID {
		return nil, apperrors.ErrSessionNotFound
	}

	items, err := s.readCart(ctx, token)
	if err != nil {
		return nil, err
	}
	lp.poller.ReplaceCart(ctx, items)

	snap, snapItems := lp.poller.Snapshot()
	return BuildView(snap, snapItems, s.opts.View), nil
}

// Cancel stops polling for the session (the shopper left the page).
func (s *Checkout) Cancel(ctx context.Context, userID string, id uuid.UUID) (*models.CheckoutView, error) {
	if lp := s.livePoller(id); lp != nil {
		if lp.userID != userID {
			return nil, apperrors.ErrSessionNotFound
		}
		lp.poller.Cancel(ctx, "cancelled by client")
		snap, items := lp.poller.Snapshot()
		return BuildView(snap, items, s.opts.View), nil
	}

	session, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !session.State.Terminal() {
		session.State = models.SessionStateCancelled
		if err := s.repo.Update(ctx, session); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		s.issuer.Release(ctx, session.OrderCode)
	}
	items, _ := session.Items()
	return BuildView(*session, items, s.opts.View), nil
}

// ResumeOpen picks up sessions left open by a previous process. Sessions
// past their deadline are expired; the rest poll again and settle with the
// service token.
func (s *Checkout) ResumeOpen(ctx context.Context) (int, error) {
	if n, err := s.repo.ExpireOpenBefore(ctx, s.clock.Now()); err != nil {
		return 0, err
	} else if n > 0 {
		s.logger.Info("Expired stale checkout sessions", zap.Int64("count", n))
	}

	sessions, err := s.repo.FindOpen(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, session := range sessions {
		if s.livePoller(session.ID) != nil {
			continue
		}
		items, err := session.Items()
		if err != nil || len(items) == 0 {
			session.State = models.SessionStateCancelled
			if err := s.repo.Update(ctx, &session); err != nil {
				s.logger.Warn("Failed to cancel unrecoverable session", zap.String("session_id", session.ID.String()), zap.Error(err))
			}
			continue
		}

		p := s.newPoller(session, items, s.opts.ServiceToken, resumeRequestID)
		if session.State == models.SessionStateIdle {
			p.Start(ctx)
		}
		s.launch(session.UserID, s.opts.ServiceToken, resumeRequestID, p)
		resumed++
	}
	return resumed, nil
}

// Shutdown stops every poller and waits for them, or for ctx.
func (s *Checkout) Shutdown(ctx context.Context) error {
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveSessions reports how many pollers are running.
func (s *Checkout) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Checkout) readCart(ctx context.Context, token string) ([]models.CartLineItem, error) {
	items, err := s.cart.UnpaidItems(ctx, token)
	if err != nil {
		if authErr := upstreamAuthError(err); authErr != nil {
			return nil, authErr
		}
		logger.Warn(ctx, "Cart snapshot failed", zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrCartUnavailable, err)
	}
	return items, nil
}

func (s *Checkout) load(ctx context.Context, userID string, id uuid.UUID) (*models.CheckoutSession, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if session.UserID != userID {
		return nil, apperrors.ErrSessionNotFound
	}
	return session, nil
}

func (s *Checkout) livePoller(id uuid.UUID) *livePoller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

func (s *Checkout) cancelUserSessions(ctx context.Context, userID, reason string) {
	s.mu.Lock()
	var mine []*Poller
	for _, lp := range s.live {
		if lp.userID == userID {
			mine = append(mine, lp.poller)
		}
	}
	s.mu.Unlock()

	for _, p := range mine {
		p.Cancel(ctx, reason)
	}
}

func (s *Checkout) newPoller(session models.CheckoutSession, items []models.CartLineItem, token, requestID string) *Poller {
	return NewPoller(session, items, s.verifier, PollerOptions{
		Interval:    s.opts.PollInterval,
		MaxInterval: s.opts.PollMaxInterval,
		MaxAttempts: s.opts.PollMaxAttempts,
		Clock:       s.clock,
		Logger:      s.logger.With(zap.String("request_id", requestID)),
		Metrics:     s.metrics,
		OnChange:    s.persist,
		OnConfirmed: func(ctx context.Context, snap models.CheckoutSession, items []models.CartLineItem, result models.VerificationResult) {
			s.confirm(ctx, snap, items, result, token)
		},
	})
}

// launch runs p until it ends. The poller's context carries the id of the
// request that started it, so its persistence and settlement lines can be
// traced back to that request.
func (s *Checkout) launch(userID, token, requestID string, p *Poller) {
	snap, _ := p.Snapshot()

	s.mu.Lock()
	s.live[snap.ID] = &livePoller{poller: p, userID: userID, token: token}
	s.mu.Unlock()

	runCtx := logger.WithRequestID(s.runCtx, requestID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Run(runCtx)

		s.mu.Lock()
		delete(s.live, snap.ID)
		s.mu.Unlock()
	}()
}

// persist writes a poller snapshot. It outlives request and shutdown
// cancellation so a transition is not lost halfway.
func (s *Checkout) persist(ctx context.Context, snap models.CheckoutSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.repo.Update(ctx, &snap); err != nil {
		logger.Error(ctx, "Failed to persist checkout session", err,
			zap.String("session_id", snap.ID.String()),
			zap.String("state", string(snap.State)),
		)
	}
	if snap.State == models.SessionStateExpired || snap.State == models.SessionStateCancelled {
		s.issuer.Release(ctx, snap.OrderCode)
	}
}

// confirm records the payment and settles. MarkPaymentConfirmed guards
// against a second process settling the same session.
func (s *Checkout) confirm(ctx context.Context, snap models.CheckoutSession, items []models.CartLineItem, result models.VerificationResult, token string) {
	ctx = context.WithoutCancel(ctx)

	confirmedAt := s.clock.Now()
	if snap.ConfirmedAt != nil {
		confirmedAt = *snap.ConfirmedAt
	}
	first, err := s.repo.MarkPaymentConfirmed(ctx, snap.ID, result, confirmedAt)
	if err != nil {
		logger.Error(ctx, "Failed to record payment confirmation", err, zap.String("session_id", snap.ID.String()))
	} else if !first {
		s.logger.Warn("Payment already confirmed elsewhere, skipping settlement", zap.String("session_id", snap.ID.String()))
		return
	}

	status := s.settlement.Apply(ctx, &snap, items, token)
	s.issuer.Release(ctx, snap.OrderCode)

	logger.Info(ctx, "Checkout settled",
		zap.String("session_id", snap.ID.String()),
		zap.String("order_code", snap.OrderCode),
		zap.String("settlement_status", string(status)),
	)
}
