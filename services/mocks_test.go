package services_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/clients"
	"github.com/haibanh/checkout-service/models"
	"gorm.io/gorm"
)

// ---- clock ----

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
	waits  chan time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, waits: make(chan time.Duration, 100)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	if d <= 0 {
		ch <- c.now
	} else {
		c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	}
	c.mu.Unlock()
	c.waits <- d
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		kept = append(kept, t)
	}
	c.timers = kept
}

// ---- verifier ----

type verifyResponse struct {
	result models.VerificationResult
	err    error
}

// scriptedVerifier replays responses in order and repeats the last one.
type scriptedVerifier struct {
	mu        sync.Mutex
	responses []verifyResponse
	calls     int
	codes     []string
}

func (v *scriptedVerifier) Check(_ context.Context, orderCode string) (models.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.codes = append(v.codes, orderCode)
	i := v.calls
	if i >= len(v.responses) {
		i = len(v.responses) - 1
	}
	v.calls++
	if i < 0 {
		return models.VerificationResult{}, nil
	}
	return v.responses[i].result, v.responses[i].err
}

func (v *scriptedVerifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func found(amount int64) verifyResponse {
	return verifyResponse{result: models.VerificationResult{Success: true, Found: true, Amount: dec(amount)}}
}

func notFound() verifyResponse {
	return verifyResponse{result: models.VerificationResult{Success: false}}
}

func failed(msg string) verifyResponse {
	return verifyResponse{err: errors.New(msg)}
}

// ---- storefront ----

type markCall struct {
	token, id, code string
}

type fakeCart struct {
	mu        sync.Mutex
	unpaid    []models.CartLineItem
	paid      []models.CartLineItem
	readErr   error
	markErrs  map[string][]error // per line item, consumed in order
	markCalls []markCall
	created   []models.CreateUserProductRequest
	deleted   []string
}

func (f *fakeCart) UnpaidItems(context.Context, string) ([]models.CartLineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]models.CartLineItem(nil), f.unpaid...), nil
}

func (f *fakeCart) PaidItems(context.Context, string) ([]models.CartLineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]models.CartLineItem(nil), f.paid...), nil
}

func (f *fakeCart) MarkPaid(_ context.Context, token, id, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, markCall{token: token, id: id, code: code})
	if errs := f.markErrs[id]; len(errs) > 0 {
		err := errs[0]
		f.markErrs[id] = errs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCart) CreateUserProduct(_ context.Context, _ string, req models.CreateUserProductRequest) (*models.CartLineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &models.CartLineItem{UserProductID: "up-new", ProductID: req.ProductID, Amount: req.Amount}, nil
}

func (f *fakeCart) DeleteUserProduct(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCart) MarkCalls() []markCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]markCall(nil), f.markCalls...)
}

func statusErr(code int) error {
	return &clients.StatusError{Service: "storefront", StatusCode: code}
}

// ---- repository ----

type memRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.CheckoutSession
	items    map[uuid.UUID][]models.SettlementItem
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[uuid.UUID]models.CheckoutSession),
		items:    make(map[uuid.UUID][]models.SettlementItem),
	}
}

func (r *memRepo) Create(_ context.Context, s *models.CheckoutSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) Update(_ context.Context, s *models.CheckoutSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id uuid.UUID) (*models.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &s, nil
}

func (r *memRepo) OrderCodeInUse(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.OrderCode == code && !s.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) FindOpen(context.Context) ([]models.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CheckoutSession
	for _, s := range r.sessions {
		if !s.State.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) ExpireOpenBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.State.Terminal() && s.DeadlineAt.Before(cutoff) {
			s.State = models.SessionStateExpired
			r.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MarkPaymentConfirmed(_ context.Context, id uuid.UUID, observed models.VerificationResult, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.PaymentConfirmed {
		return false, nil
	}
	s.PaymentConfirmed = true
	s.State = models.SessionStateConfirmed
	s.ObservedAmount.Decimal = observed.Amount
	s.ObservedAmount.Valid = true
	s.ConfirmedAt = &at
	s.SettlementStatus = models.SettlementPending
	r.sessions[id] = s
	return true, nil
}

func (r *memRepo) FindBySettlementStatus(_ context.Context, status models.SettlementStatus, limit int) ([]models.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CheckoutSession
	for _, s := range r.sessions {
		if s.SettlementStatus == status && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSettlementItems(_ context.Context, items []models.SettlementItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		r.items[it.SessionID] = append(r.items[it.SessionID], it)
	}
	return nil
}

func (r *memRepo) UpdateSettlementItem(_ context.Context, item *models.SettlementItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.items[item.SessionID]
	for i := range list {
		if list[i].ID == item.ID {
			list[i] = *item
			return nil
		}
	}
	r.items[item.SessionID] = append(list, *item)
	return nil
}

func (r *memRepo) FindSettlementItems(_ context.Context, sessionID uuid.UUID) ([]models.SettlementItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SettlementItem(nil), r.items[sessionID]...), nil
}

func (r *memRepo) Session(id uuid.UUID) models.CheckoutSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *memRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ---- order codes ----

type memCodeStore struct {
	mu       sync.Mutex
	held     map[string]bool
	reserves int
	released []string
}

func newMemCodeStore(held ...string) *memCodeStore {
	s := &memCodeStore{held: make(map[string]bool)}
	for _, h := range held {
		s.held[h] = true
	}
	return s
}

func (s *memCodeStore) Reserve(_ context.Context, code string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserves++
	if s.held[code] {
		return false, nil
	}
	s.held[code] = true
	return true, nil
}

func (s *memCodeStore) Release(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, code)
	s.released = append(s.released, code)
	return nil
}

func (s *memCodeStore) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

// ---- notifier / metrics ----

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.CartChangedEvent
}

func (n *recordingNotifier) Publish(_ context.Context, evt models.CartChangedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) Events() []models.CartChangedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.CartChangedEvent(nil), n.events...)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) RecordCount(_ context.Context, name string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]++
	return nil
}

func (m *countingMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}
