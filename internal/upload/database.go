package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const sessionBucketName = "sessions"

// ErrSessionNotFound is returned when no session is stored under an ID
var ErrSessionNotFound = errors.New("session not found")

// DB defines the interface for session persistence
type DB interface {
	// SaveSession saves a session, replacing any previous version
	SaveSession(session *Session) error

	// GetSession retrieves a session by ID
	GetSession(id string) (*Session, error)

	// ListSessions returns all sessions
	ListSessions() ([]*Session, error)

	// DeleteSession removes a session
	DeleteSession(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveSession saves a session to the database
func (b *BoltDB) SaveSession(session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Put([]byte(session.ID), data)
	})
}

// GetSession retrieves a session by ID
func (b *BoltDB) GetSession(id string) (*Session, error) {
	var session *Session
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions
func (b *BoltDB) ListSessions() ([]*Session, error) {
	sessions := make([]*Session, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).ForEach(func(k, v []byte) error {
			var session Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("unmarshaling session %s: %w", k, err)
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a session from the database
func (b *BoltDB) DeleteSession(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
