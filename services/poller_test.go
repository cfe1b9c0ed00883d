package services_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/haibanh/checkout-service/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 10, 12, 0, 34*int(time.Millisecond), time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func lineItem(id string, amount string) models.CartLineItem {
	return models.CartLineItem{UserProductID: id, ProductID: "p-" + id, Amount: amount}
}

func newSessionFor(code string, deadline time.Time) models.CheckoutSession {
	return models.CheckoutSession{
		ID:               uuid.New(),
		UserID:           "user-1",
		OrderCode:        code,
		State:            models.SessionStateIdle,
		SettlementStatus: models.SettlementNone,
		DeadlineAt:       deadline,
	}
}

type confirmRecorder struct {
	mu    sync.Mutex
	calls int
	last  models.CheckoutSession
}

func (c *confirmRecorder) hook(_ context.Context, s models.CheckoutSession, _ []models.CartLineItem, _ models.VerificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = s
}

func (c *confirmRecorder) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestPoller(t *testing.T, v services.PaymentVerifier, clk services.Clock, items []models.CartLineItem, rec *confirmRecorder, opts ...func(*services.PollerOptions)) *services.Poller {
	t.Helper()
	o := services.PollerOptions{
		Interval:    10 * time.Second,
		MaxInterval: 2 * time.Minute,
		Clock:       clk,
		Logger:      zap.NewNop(),
		OnConfirmed: rec.hook,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return services.NewPoller(newSessionFor("123456", t0.Add(30*time.Minute)), items, v, o)
}

func TestPoller_DoesNotStartWithEmptyCart(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{found(0)}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), nil, rec)

	assert.False(t, p.Start(context.Background()))
	_, done := p.Tick(context.Background())
	assert.True(t, done)

	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateIdle, snap.State)
	assert.Equal(t, 0, v.Calls())
	assert.Equal(t, 0, rec.Calls())
}

func TestPoller_DoesNotStartWithoutOrderCode(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	session := newSessionFor("", t0.Add(time.Hour))
	p := services.NewPoller(session, []models.CartLineItem{lineItem("up-1", "1000")}, v, services.PollerOptions{Clock: newFakeClock(t0)})

	assert.False(t, p.Start(context.Background()))
	_, done := p.Tick(context.Background())
	assert.True(t, done)
	assert.Equal(t, 0, v.Calls())
}

func TestPoller_AcceptsWithinToleranceAndStops(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{found(600200)}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec)
	require.True(t, p.Start(context.Background()))

	_, done := p.Tick(context.Background())
	assert.True(t, done)
	assert.Equal(t, 1, rec.Calls())

	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateConfirmed, snap.State)
	assert.True(t, snap.PaymentConfirmed)
	assert.True(t, snap.ObservedAmount.Decimal.Equal(dec(600200)))
	assert.Equal(t, models.SettlementPending, rec.last.SettlementStatus)

	// later ticks neither poll nor settle again
	for i := 0; i < 5; i++ {
		_, done = p.Tick(context.Background())
		assert.True(t, done)
	}
	assert.Equal(t, 1, v.Calls())
	assert.Equal(t, 1, rec.Calls())
}

func TestPoller_ToleranceBoundary(t *testing.T) {
	cases := []struct {
		name     string
		observed int64
		accepted bool
	}{
		{"exact", 600000, true},
		{"plus 500", 600500, true},
		{"minus 500", 599500, true},
		{"plus 501", 600501, false},
		{"minus 501", 599499, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &scriptedVerifier{responses: []verifyResponse{found(tc.observed)}}
			rec := &confirmRecorder{}
			p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec)
			require.True(t, p.Start(context.Background()))

			_, done := p.Tick(context.Background())
			assert.Equal(t, tc.accepted, done)
			if tc.accepted {
				assert.Equal(t, 1, rec.Calls())
			} else {
				assert.Equal(t, 0, rec.Calls())
			}
		})
	}
}

func TestPoller_MismatchKeepsPolling(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{found(590000)}}
	rec := &confirmRecorder{}
	metrics := &countingMetrics{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec, func(o *services.PollerOptions) {
		o.Metrics = metrics
	})
	require.True(t, p.Start(context.Background()))

	next, done := p.Tick(context.Background())
	assert.False(t, done)
	assert.Equal(t, 10*time.Second, next)

	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStatePolling, snap.State)
	assert.False(t, snap.PaymentConfirmed)
	assert.Contains(t, snap.MismatchNotice, "600.000 ₫")
	assert.Contains(t, snap.MismatchNotice, "590.000 ₫")

	next, done = p.Tick(context.Background())
	assert.False(t, done)
	assert.Equal(t, 10*time.Second, next)
	assert.Equal(t, 2, v.Calls())
	assert.Equal(t, 0, rec.Calls())
	assert.Equal(t, 2, metrics.Count(aws_pkg.MetricPaymentMismatch))
}

func TestPoller_NotFoundIsSilent(t *testing.T) {
	const n = 7
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec)
	require.True(t, p.Start(context.Background()))

	for i := 0; i < n; i++ {
		next, done := p.Tick(context.Background())
		require.False(t, done)
		require.Equal(t, 10*time.Second, next)
	}

	snap, _ := p.Snapshot()
	assert.Equal(t, n, v.Calls())
	assert.Equal(t, n, snap.Attempts)
	assert.Equal(t, 0, rec.Calls())
	assert.Empty(t, snap.LastError)
	assert.Empty(t, snap.MismatchNotice)
}

func TestPoller_BacksOffOnTransportErrors(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{
		failed("timeout"), failed("timeout"), failed("timeout"), failed("timeout"), failed("timeout"),
		notFound(),
	}}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, &confirmRecorder{})
	require.True(t, p.Start(context.Background()))

	want := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second, 2 * time.Minute, 2 * time.Minute}
	for _, w := range want {
		next, done := p.Tick(context.Background())
		require.False(t, done)
		assert.Equal(t, w, next)
	}
	snap, _ := p.Snapshot()
	assert.Equal(t, "timeout", snap.LastError)

	next, done := p.Tick(context.Background())
	assert.False(t, done)
	assert.Equal(t, 10*time.Second, next, "a well-formed answer resets the interval")
	snap, _ = p.Snapshot()
	assert.Empty(t, snap.LastError)
}

func TestPoller_ExpiresAtDeadline(t *testing.T) {
	clk := newFakeClock(t0)
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	var changes []models.SessionState
	p := newTestPoller(t, v, clk, []models.CartLineItem{lineItem("up-1", "600000")}, &confirmRecorder{}, func(o *services.PollerOptions) {
		o.OnChange = func(_ context.Context, s models.CheckoutSession) { changes = append(changes, s.State) }
	})
	require.True(t, p.Start(context.Background()))

	_, done := p.Tick(context.Background())
	require.False(t, done)

	clk.Advance(31 * time.Minute)
	_, done = p.Tick(context.Background())
	assert.True(t, done)

	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateExpired, snap.State)
	assert.Equal(t, 1, v.Calls())
	assert.Equal(t, models.SessionStateExpired, changes[len(changes)-1])
}

func TestPoller_ExpiresAfterMaxAttempts(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, &confirmRecorder{}, func(o *services.PollerOptions) {
		o.MaxAttempts = 3
	})
	require.True(t, p.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, done := p.Tick(context.Background())
		require.False(t, done)
	}
	_, done := p.Tick(context.Background())
	assert.True(t, done)

	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateExpired, snap.State)
	assert.Equal(t, 3, v.Calls())
}

type blockingVerifier struct {
	entered  chan struct{}
	release  chan struct{}
	result   models.VerificationResult
	inFlight int32
	maxSeen  int32
	calls    int32
}

func (b *blockingVerifier) Check(context.Context, string) (models.VerificationResult, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	for {
		m := atomic.LoadInt32(&b.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&b.maxSeen, m, n) {
			break
		}
	}
	atomic.AddInt32(&b.calls, 1)
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	<-b.release
	atomic.AddInt32(&b.inFlight, -1)
	return b.result, nil
}

func TestPoller_CancelDiscardsInFlightResult(t *testing.T) {
	v := &blockingVerifier{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  models.VerificationResult{Success: true, Found: true, Amount: dec(600000)},
	}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec)
	require.True(t, p.Start(context.Background()))

	tickDone := make(chan bool)
	go func() {
		_, done := p.Tick(context.Background())
		tickDone <- done
	}()

	<-v.entered
	assert.True(t, p.Cancel(context.Background(), "page closed"))
	close(v.release)

	assert.True(t, <-tickDone)
	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateCancelled, snap.State)
	assert.False(t, snap.PaymentConfirmed)
	assert.Equal(t, 0, rec.Calls())
	assert.False(t, p.Cancel(context.Background(), "again"))
}

func TestPoller_TicksDoNotOverlap(t *testing.T) {
	v := &blockingVerifier{release: make(chan struct{})}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, &confirmRecorder{})
	require.True(t, p.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Tick(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(v.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&v.maxSeen))
	assert.Equal(t, int32(5), atomic.LoadInt32(&v.calls))
}

func TestPoller_RunDrivesTicksOnClock(t *testing.T) {
	clk := newFakeClock(t0)
	v := &scriptedVerifier{responses: []verifyResponse{notFound(), notFound(), notFound(), found(600000)}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, clk, []models.CartLineItem{lineItem("up-1", "600000")}, rec)
	require.True(t, p.Start(context.Background()))

	go p.Run(context.Background())

	for i := 0; i < 4; i++ {
		wait := <-clk.waits
		assert.Equal(t, 10*time.Second, wait)
		clk.Advance(wait)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after confirmation")
	}
	assert.Equal(t, 4, v.Calls())
	assert.Equal(t, 1, rec.Calls())
	assert.Len(t, clk.waits, 0, "no wait is scheduled after confirmation")
}

func TestPoller_RunCapsWaitAtDeadline(t *testing.T) {
	clk := newFakeClock(t0)
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	session := newSessionFor("123456", t0.Add(4*time.Second))
	p := services.NewPoller(session, []models.CartLineItem{lineItem("up-1", "1000")}, v, services.PollerOptions{
		Interval: 10 * time.Second,
		Clock:    clk,
	})
	require.True(t, p.Start(context.Background()))

	go p.Run(context.Background())

	wait := <-clk.waits
	assert.Equal(t, 4*time.Second, wait)
	clk.Advance(wait)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop at deadline")
	}
	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateExpired, snap.State)
	assert.Equal(t, 0, v.Calls())
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	clk := newFakeClock(t0)
	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	p := newTestPoller(t, v, clk, []models.CartLineItem{lineItem("up-1", "600000")}, &confirmRecorder{})
	require.True(t, p.Start(context.Background()))

	go p.Run(context.Background())
	<-clk.waits
	p.Cancel(context.Background(), "unmount")

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Cancel")
	}
	assert.Equal(t, 0, v.Calls())
}

func TestPoller_ReplaceCart(t *testing.T) {
	v := &scriptedVerifier{responses: []verifyResponse{found(450000)}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "300000"), lineItem("up-2", "300000")}, rec)
	require.True(t, p.Start(context.Background()))

	snap, _ := p.Snapshot()
	assert.True(t, snap.TotalAmount.Equal(dec(600000)))

	require.True(t, p.ReplaceCart(context.Background(), []models.CartLineItem{lineItem("up-1", "300000"), lineItem("up-3", "150000")}))
	snap, items := p.Snapshot()
	assert.True(t, snap.TotalAmount.Equal(dec(450000)))
	assert.Len(t, items, 2)
	assert.Equal(t, "123456", snap.OrderCode)

	_, done := p.Tick(context.Background())
	assert.True(t, done, "the new total is what gets reconciled")
	assert.Equal(t, 1, rec.Calls())
}

func TestPoller_ReplaceCartWithEmptyCancels(t *testing.T) {
	p := newTestPoller(t, &scriptedVerifier{}, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "1000")}, &confirmRecorder{})
	require.True(t, p.Start(context.Background()))

	assert.True(t, p.ReplaceCart(context.Background(), nil))
	snap, _ := p.Snapshot()
	assert.Equal(t, models.SessionStateCancelled, snap.State)
}

func TestPoller_CancelDuringSlowWriteIsNotOverwritten(t *testing.T) {
	repo := newMemRepo()
	entered := make(chan struct{})
	release := make(chan struct{})

	v := &scriptedVerifier{responses: []verifyResponse{notFound()}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec,
		func(o *services.PollerOptions) {
			o.OnChange = func(ctx context.Context, s models.CheckoutSession) {
				if s.State == models.SessionStatePolling && s.Attempts == 1 {
					close(entered)
					<-release
				}
				assert.NoError(t, repo.Update(ctx, &s))
			}
		})
	snap, _ := p.Snapshot()
	require.NoError(t, repo.Create(context.Background(), &snap))
	require.True(t, p.Start(context.Background()))

	tickDone := make(chan struct{})
	go func() {
		p.Tick(context.Background())
		close(tickDone)
	}()
	<-entered

	cancelDone := make(chan struct{})
	go func() {
		p.Cancel(context.Background(), "page closed")
		close(cancelDone)
	}()
	require.Eventually(t, func() bool {
		s, _ := p.Snapshot()
		return s.State == models.SessionStateCancelled
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-tickDone
	<-cancelDone

	assert.Equal(t, models.SessionStateCancelled, repo.Session(snap.ID).State)
}

func TestPoller_ReplaceCartWriteIsNotOverwrittenByConfirmation(t *testing.T) {
	repo := newMemRepo()
	var writes []models.SessionState
	var mu sync.Mutex

	v := &scriptedVerifier{responses: []verifyResponse{found(600000)}}
	rec := &confirmRecorder{}
	p := newTestPoller(t, v, newFakeClock(t0), []models.CartLineItem{lineItem("up-1", "600000")}, rec,
		func(o *services.PollerOptions) {
			o.OnChange = func(ctx context.Context, s models.CheckoutSession) {
				mu.Lock()
				writes = append(writes, s.State)
				mu.Unlock()
				assert.NoError(t, repo.Update(ctx, &s))
			}
		})
	require.True(t, p.Start(context.Background()))

	_, done := p.Tick(context.Background())
	require.True(t, done)

	// terminal sessions refuse later cart swaps, so nothing is written after
	// the confirmation
	assert.False(t, p.ReplaceCart(context.Background(), []models.CartLineItem{lineItem("up-2", "1000")}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.SessionState{models.SessionStatePolling}, writes)
	assert.Equal(t, 1, rec.Calls())
}
