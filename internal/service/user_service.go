package service

import (
	"errors"
	"fmt"

	"github.com/paybychance/paybychance/internal/models"
	"github.com/paybychance/paybychance/internal/phone"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

type account struct {
	username     string
	passwordHash []byte
	profile      models.UserProfile
}

// UserService authenticates the emulator's fixed set of users.
type UserService struct {
	accounts map[string]*account
	logger   *logrus.Logger
}

// NewUserService hashes the given username:password pairs. Phone-number
// usernames are stored in local form.
func NewUserService(users map[string]string, logger *logrus.Logger) (*UserService, error) {
	s := &UserService{
		accounts: make(map[string]*account, len(users)),
		logger:   logger,
	}
	id := 0
	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		id++
		key := canonical(username)
		s.accounts[key] = &account{
			username:     key,
			passwordHash: hash,
			profile: models.UserProfile{
				"id":                id,
				"user_login":        key,
				"user_display_name": key,
				"phone":             key,
				"role":              "customer",
				"wallet_balance":    "0.00",
			},
		}
	}
	return s, nil
}

func canonical(username string) string {
	if local := phone.NormalizeLocal(username); phone.IsLocal(local) {
		return local
	}
	return username
}

func (s *UserService) Authenticate(username, password string) (models.UserProfile, error) {
	acc, ok := s.accounts[canonical(username)]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		s.logger.WithField("username", acc.username).Debug("Password mismatch")
		return nil, ErrInvalidCredentials
	}
	return acc.profile, nil
}

// Profile returns the profile of a known user.
func (s *UserService) Profile(username string) (models.UserProfile, bool) {
	acc, ok := s.accounts[canonical(username)]
	if !ok {
		return nil, false
	}
	return acc.profile, true
}
