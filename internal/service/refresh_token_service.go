package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paybychance/paybychance/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// RefreshStore keeps server-side state for issued refresh tokens.
type RefreshStore interface {
	Store(ctx context.Context, data models.RefreshTokenData) error
	Get(ctx context.Context, jti string) (*models.RefreshTokenData, error)
	Revoke(ctx context.Context, jti string) error
	RevokeFamily(ctx context.Context, familyID string) error
}

// RedisRefreshStore keeps refresh token state in redis, expiring with the
// token itself.
type RedisRefreshStore struct {
	client *redis.Client
	logger *logrus.Logger
}

var _ RefreshStore = (*RedisRefreshStore)(nil)

func NewRedisRefreshStore(client *redis.Client, logger *logrus.Logger) *RedisRefreshStore {
	return &RedisRefreshStore{
		client: client,
		logger: logger,
	}
}

func refreshKey(jti string) string {
	return fmt.Sprintf("refresh_token:%s", jti)
}

func familyKey(familyID string) string {
	return fmt.Sprintf("refresh_family:%s", familyID)
}

func (s *RedisRefreshStore) Store(ctx context.Context, data models.RefreshTokenData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Until(data.ExpiresAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshKey(data.JTI), dataJSON, ttl)
	pipe.SAdd(ctx, familyKey(data.FamilyID), data.JTI)
	pipe.Expire(ctx, familyKey(data.FamilyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *RedisRefreshStore) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	dataJSON, err := s.client.Get(ctx, refreshKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var data models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}
	return &data, nil
}

func (s *RedisRefreshStore) Revoke(ctx context.Context, jti string) error {
	data, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	data.Revoked = true
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Until(data.ExpiresAt)
	if ttl <= 0 {
		return s.client.Del(ctx, refreshKey(jti)).Err()
	}
	if err := s.client.Set(ctx, refreshKey(jti), dataJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeFamily revokes every token issued from the same login.
func (s *RedisRefreshStore) RevokeFamily(ctx context.Context, familyID string) error {
	jtis, err := s.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list token family: %w", err)
	}
	for _, jti := range jtis {
		if err := s.Revoke(ctx, jti); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
			return err
		}
	}
	return nil
}

// MemoryRefreshStore is the single-process RefreshStore.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshTokenData
}

var _ RefreshStore = (*MemoryRefreshStore)(nil)

func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{tokens: make(map[string]models.RefreshTokenData)}
}

func (s *MemoryRefreshStore) Store(ctx context.Context, data models.RefreshTokenData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[data.JTI] = data
	return nil
}

func (s *MemoryRefreshStore) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tokens[jti]
	if !ok || time.Now().After(data.ExpiresAt) {
		return nil, ErrRefreshTokenNotFound
	}
	return &data, nil
}

func (s *MemoryRefreshStore) Revoke(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tokens[jti]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	data.Revoked = true
	s.tokens[jti] = data
	return nil
}

func (s *MemoryRefreshStore) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, data := range s.tokens {
		if data.FamilyID == familyID {
			data.Revoked = true
			s.tokens[jti] = data
		}
	}
	return nil
}
