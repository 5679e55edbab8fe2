package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paybychance/paybychance/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore keeps the session in redis under "session:<key>". The entry
// expires together with the access token.
type RedisStore struct {
	client  *redis.Client
	key     string
	logger  *logrus.Logger
	nowTime func() time.Time
}

var _ SessionStore = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, key string, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		key:     fmt.Sprintf("session:%s", key),
		logger:  logger,
		nowTime: time.Now,
	}
}

func (s *RedisStore) Load(ctx context.Context) (*models.Session, error) {
	dataJSON, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(dataJSON), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	dataJSON, err := json.Marshal(persisted(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(s.nowTime())
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}

	if err := s.client.Set(ctx, s.key, dataJSON, ttl).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store session in redis")
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
