package services

import (
	"context"
	"sync"
	"time"

	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PollerOptions configures a Poller. Zero values fall back to defaults.
type PollerOptions struct {
	Interval    time.Duration // base wait between polls
	MaxInterval time.Duration // backoff ceiling after failed polls
	MaxAttempts int           // 0 means no limit

	Clock   Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder

	// OnChange receives a copy of the session after every transition or poll
	// that changed it. It runs on the polling goroutine.
	OnChange func(ctx context.Context, session models.CheckoutSession)

	// OnConfirmed runs once, after the session became confirmed. Ticks are
	// held off until it returns.
	OnConfirmed func(ctx context.Context, session models.CheckoutSession, items []models.CartLineItem, result models.VerificationResult)
}

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultPollMaxInterval = 2 * time.Minute
)

// Poller drives one checkout session from idle to a terminal state by
// asking the verifier about the session's order code.
//
// The session is guarded by mu. tickMu serializes ticks so a slow
// verification call can never overlap the next one. Every snapshot handed
// to OnChange carries a sequence number; persistMu delivers them in order
// and drops any that a newer snapshot already overtook.
type Poller struct {
	tickMu sync.Mutex

	mu       sync.Mutex
	session  models.CheckoutSession
	items    []models.CartLineItem
	interval time.Duration
	seq      uint64

	persistMu sync.Mutex
	persisted uint64

	verifier PaymentVerifier
	opts     PollerOptions

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller wraps session. The session may already be polling when it is
// resumed after a restart.
func NewPoller(session models.CheckoutSession, items []models.CartLineItem, verifier PaymentVerifier, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultPollMaxInterval
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	session.TotalAmount = TotalAmount(items)
	return &Poller{
		session:  session,
		items:    append([]models.CartLineItem(nil), items...),
		interval: opts.Interval,
		verifier: verifier,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start moves idle to polling. It refuses when the cart is empty or there
// is no order code.
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	if p.session.State != models.SessionStateIdle || len(p.items) == 0 || p.session.OrderCode == "" {
		p.mu.Unlock()
		return false
	}
	p.session.State = models.SessionStatePolling
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.changed(ctx, snap, seq)
	return true
}

// Tick performs one poll. It returns the wait before the next tick, and
// done=true once the session is terminal (or was never started).
func (p *Poller) Tick(ctx context.Context) (time.Duration, bool) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.mu.Lock()
	if p.session.State != models.SessionStatePolling {
		p.mu.Unlock()
		return 0, true
	}
	if p.exhaustedLocked() {
		p.session.State = models.SessionStateExpired
		snap, seq := p.snapshotLocked()
		p.mu.Unlock()

		p.opts.Logger.Info("Checkout session expired",
			zap.String("session_id", snap.ID.String()),
			zap.String("order_code", snap.OrderCode),
			zap.Int("attempts", snap.Attempts),
		)
		p.count(ctx, aws_pkg.MetricCheckoutExpired)
		p.changed(ctx, snap, seq)
		return 0, true
	}
	p.session.Attempts++
	code := p.session.OrderCode
	p.mu.Unlock()

	p.count(ctx, aws_pkg.MetricVerificationPolls)
	result, err := p.verifier.Check(ctx, code)

	p.mu.Lock()
	if p.session.State != models.SessionStatePolling {
		// cancelled while the call was in flight
		p.mu.Unlock()
		return 0, true
	}

	if err != nil {
		p.interval *= 2
		if p.interval > p.opts.MaxInterval {
			p.interval = p.opts.MaxInterval
		}
		p.session.LastError = err.Error()
		next := p.interval
		snap, seq := p.snapshotLocked()
		p.mu.Unlock()

		p.opts.Logger.Warn("Payment verification failed",
			zap.String("order_code", code),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
		p.count(ctx, aws_pkg.MetricVerificationError)
		p.changed(ctx, snap, seq)
		return next, false
	}

	p.interval = p.opts.Interval
	p.session.LastError = ""

	if !result.Matched() {
		next := p.interval
		snap, seq := p.snapshotLocked()
		p.mu.Unlock()
		p.changed(ctx, snap, seq)
		return next, false
	}

	p.session.ObservedAmount = decimal.NewNullDecimal(result.Amount)
	rec := Reconcile(result.Amount, p.session.TotalAmount)
	if !rec.Accepted {
		p.session.MismatchNotice = rec.Notice()
		next := p.interval
		snap, seq := p.snapshotLocked()
		p.mu.Unlock()

		p.opts.Logger.Info("Payment amount mismatch",
			zap.String("order_code", code),
			zap.String("expected", rec.Expected.String()),
			zap.String("received", rec.Received.String()),
		)
		p.count(ctx, aws_pkg.MetricPaymentMismatch)
		p.changed(ctx, snap, seq)
		return next, false
	}

	now := p.opts.Clock.Now()
	p.session.State = models.SessionStateConfirmed
	p.session.PaymentConfirmed = true
	p.session.ConfirmedAt = &now
	p.session.MismatchNotice = ""
	p.session.SettlementStatus = models.SettlementPending
	snap, seq := p.snapshotLocked()
	items := append([]models.CartLineItem(nil), p.items...)
	p.mu.Unlock()

	p.opts.Logger.Info("Payment confirmed",
		zap.String("session_id", snap.ID.String()),
		zap.String("order_code", code),
		zap.String("amount", result.Amount.String()),
	)
	p.count(ctx, aws_pkg.MetricPaymentSucceeded)

	// confirmation writes through its own path; older snapshots still
	// waiting to persist must not land after it
	p.persistMu.Lock()
	if seq > p.persisted {
		p.persisted = seq
	}
	if p.opts.OnConfirmed != nil {
		p.opts.OnConfirmed(ctx, snap, items, result)
	}
	p.persistMu.Unlock()
	return 0, true
}

func (p *Poller) exhaustedLocked() bool {
	if !p.session.DeadlineAt.IsZero() && !p.opts.Clock.Now().Before(p.session.DeadlineAt) {
		return true
	}
	return p.opts.MaxAttempts > 0 && p.session.Attempts >= p.opts.MaxAttempts
}

// Run ticks until the session is terminal, Cancel is called or ctx ends.
// The first poll happens one interval after Run starts.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)

	p.mu.Lock()
	next := p.interval
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.opts.Clock.After(p.capToDeadline(next)):
		}

		var done bool
		next, done = p.Tick(ctx)
		if done {
			return
		}
	}
}

func (p *Poller) capToDeadline(wait time.Duration) time.Duration {
	p.mu.Lock()
	deadline := p.session.DeadlineAt
	p.mu.Unlock()
	if deadline.IsZero() {
		return wait
	}
	if left := deadline.Sub(p.opts.Clock.Now()); left < wait {
		if left < 0 {
			return 0
		}
		return left
	}
	return wait
}

// Cancel stops polling. It returns false if the session was already
// terminal. An in-flight verification result is discarded.
func (p *Poller) Cancel(ctx context.Context, reason string) bool {
	p.mu.Lock()
	if p.session.State.Terminal() {
		p.mu.Unlock()
		return false
	}
	p.session.State = models.SessionStateCancelled
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })
	p.opts.Logger.Info("Checkout session cancelled",
		zap.String("session_id", snap.ID.String()),
		zap.String("reason", reason),
	)
	p.changed(ctx, snap, seq)
	return true
}

// ReplaceCart swaps in a fresh cart snapshot and recomputes the total. An
// empty cart cancels the session. The order code does not change.
func (p *Poller) ReplaceCart(ctx context.Context, items []models.CartLineItem) bool {
	if len(items) == 0 {
		return p.Cancel(ctx, "cart emptied")
	}

	p.mu.Lock()
	if p.session.State.Terminal() {
		p.mu.Unlock()
		return false
	}
	p.items = append([]models.CartLineItem(nil), items...)
	p.session.TotalAmount = TotalAmount(items)
	if err := p.session.SetItems(items); err != nil {
		p.opts.Logger.Warn("Failed to encode cart snapshot", zap.Error(err))
	}
	p.session.MismatchNotice = ""
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.changed(ctx, snap, seq)
	return true
}

// Snapshot returns copies of the session and its cart.
func (p *Poller) Snapshot() (models.CheckoutSession, []models.CartLineItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, append([]models.CartLineItem(nil), p.items...)
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) snapshotLocked() (models.CheckoutSession, uint64) {
	p.seq++
	return p.session, p.seq
}

// changed hands snap to OnChange unless a newer snapshot was delivered
// first.
func (p *Poller) changed(ctx context.Context, snap models.CheckoutSession, seq uint64) {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if seq <= p.persisted {
		return
	}
	p.persisted = seq
	if p.opts.OnChange != nil {
		p.opts.OnChange(ctx, snap)
	}
}

func (p *Poller) count(ctx context.Context, metric string) {
	if err := p.opts.Metrics.RecordCount(ctx, metric, nil); err != nil {
		p.opts.Logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}
