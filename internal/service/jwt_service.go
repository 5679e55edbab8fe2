package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	logger        *logrus.Logger
	nowTime       func() time.Time
}

func NewJWTService(cfg *config.BackendConfig, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.JWTSecret)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		logger:        logger,
		nowTime:       time.Now,
	}, nil
}

type Claims struct {
	Username string `json:"username"`
	Type     string `json:"type"`
	FamilyID string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

func (s *JWTService) RefreshExpiry() time.Duration {
	return s.refreshExpiry
}

// IssueAccessToken signs a short-lived bearer token for username.
func (s *JWTService) IssueAccessToken(username string) (string, error) {
	now := s.nowTime()
	claims := &Claims{
		Username: username,
		Type:     TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			ID:        uuid.New().String(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// IssueRefreshToken signs a refresh token in familyID, starting a new family
// when familyID is empty.
func (s *JWTService) IssueRefreshToken(username, familyID string) (string, models.RefreshTokenData, error) {
	now := s.nowTime()
	if familyID == "" {
		familyID = uuid.New().String()
	}
	data := models.RefreshTokenData{
		JTI:       uuid.New().String(),
		Username:  username,
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshExpiry),
	}
	claims := &Claims{
		Username: username,
		Type:     TokenTypeRefresh,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(data.ExpiresAt),
			ID:        data.JTI,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return "", models.RefreshTokenData{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return token, data, nil
}

// VerifyToken parses tokenString and checks it is of tokenType.
func (s *JWTService) VerifyToken(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.nowTime))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Type != tokenType {
		return nil, fmt.Errorf("token is not a %s token", tokenType)
	}
	return claims, nil
}

func GenerateSecretKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
