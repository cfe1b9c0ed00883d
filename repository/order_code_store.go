package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderCodeStore reserves order codes so two open sessions never show the
// same transfer description.
type OrderCodeStore interface {
	Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, code string) error
}

type RedisOrderCodeStore struct {
	client *redis.Client
}

func NewRedisOrderCodeStore(client *redis.Client) *RedisOrderCodeStore {
	return &RedisOrderCodeStore{client: client}
}

func (s *RedisOrderCodeStore) key(code string) string {
	return fmt.Sprintf("ordercode:%s", code)
}

// Reserve claims code for ttl. It returns false if the code is already held.
func (s *RedisOrderCodeStore) Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(code), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve order code: %w", err)
	}
	return ok, nil
}

func (s *RedisOrderCodeStore) Release(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.key(code)).Err()
}

// SessionOrderCodeStore checks codes against open sessions in the database.
// Nothing is held, so Release is a no-op and a concurrent Start can still
// pick the same code between the check and the insert.
type SessionOrderCodeStore struct {
	repo CheckoutSessionRepository
}

func NewSessionOrderCodeStore(repo CheckoutSessionRepository) *SessionOrderCodeStore {
	return &SessionOrderCodeStore{repo: repo}
}

func (s *SessionOrderCodeStore) Reserve(ctx context.Context, code string, _ time.Duration) (bool, error) {
	inUse, err := s.repo.OrderCodeInUse(ctx, code)
	if err != nil {
		return false, err
	}
	return !inUse, nil
}

func (s *SessionOrderCodeStore) Release(context.Context, string) error {
	return nil
}
