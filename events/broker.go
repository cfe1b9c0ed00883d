package events

import (
	"context"
	"sync"

	"github.com/haibanh/checkout-service/models"
	"go.uber.org/zap"
)

const subscriberBuffer = 8

// Broker fans cart-changed events out to in-process subscribers (SSE
// streams) and forwards each one to a remote Publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan models.CartChangedEvent
	nextID int

	remote Publisher
	logger *zap.Logger
}

// NewBroker returns a Broker. remote may be nil.
func NewBroker(remote Publisher, logger *zap.Logger) *Broker {
	if remote == nil {
		remote = NopPublisher{}
	}
	return &Broker{
		subs:   make(map[string]map[int]chan models.CartChangedEvent),
		remote: remote,
		logger: logger,
	}
}

// Subscribe registers interest in userID's cart. The returned cancel func
// must be called exactly once; it closes the channel.
func (b *Broker) Subscribe(userID string) (<-chan models.CartChangedEvent, func()) {
	ch := make(chan models.CartChangedEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan models.CartChangedEvent)
	}
	b.subs[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers evt to local subscribers without blocking (a full
// subscriber misses the event) and then to the remote publisher.
func (b *Broker) Publish(ctx context.Context, evt models.CartChangedEvent) {
	b.mu.RLock()
	for _, ch := range b.subs[evt.UserID] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("Dropping cart event for slow subscriber", zap.String("user_id", evt.UserID))
		}
	}
	b.mu.RUnlock()

	if err := b.remote.Publish(ctx, evt); err != nil {
		b.logger.Error("Failed to publish cart event",
			zap.String("user_id", evt.UserID),
			zap.String("reason", evt.Reason),
			zap.Error(err),
		)
	}
}

// Subscribers returns the number of live subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
