package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paybychance/paybychance/internal/models"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var sessionBucket = []byte("sessions")

// BoltStore keeps the session in a local bbolt file so it survives restarts.
type BoltStore struct {
	db     *bbolt.DB
	key    []byte
	logger *logrus.Logger
}

var _ SessionStore = (*BoltStore)(nil)

func NewBoltStore(db *bbolt.DB, key string, logger *logrus.Logger) *BoltStore {
	return &BoltStore{
		db:     db,
		key:    []byte(key),
		logger: logger,
	}
}

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path, key string, logger *logrus.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	return NewBoltStore(db, key, logger), nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(ctx context.Context) (*models.Session, error) {
	var session models.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return ErrSessionNotFound
		}
		data := b.Get(s.key)
		if data == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) Save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(persisted(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}
		return b.Put(s.key, data)
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store session in bbolt")
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *BoltStore) Clear(ctx context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}
		return b.Delete(s.key)
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
