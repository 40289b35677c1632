// Package identity keeps account credentials and login sessions in badger.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = errors.New("session not found")
)

// Session is an authenticated login
type Session struct {
	ID        string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type account struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store keeps accounts and sessions
type Store struct {
	db       *badger.DB
	ownsDB   bool
	ttl      time.Duration
	hashCost int
	logger   cmtlog.Logger
}

// Open opens a badger database at path. An empty path keeps everything in
// memory.
func Open(path string, ttl time.Duration, logger cmtlog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(newBadgerLogger(logger))
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}
	s := NewStore(db, ttl, logger)
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an already open badger database
func NewStore(db *badger.DB, ttl time.Duration, logger cmtlog.Logger) *Store {
	return &Store{
		db:       db,
		ttl:      ttl,
		hashCost: bcrypt.DefaultCost,
		logger:   logger.With("module", "identity"),
	}
}

// Close closes the database if the store opened it
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// CreateAccount stores a credential for email
func (s *Store) CreateAccount(ctx context.Context, userID, email, password, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acc := account{
		UserID:       userID,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	value, err := json.Marshal(acc)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(email))
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(accountKey(email), value)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Account created", "userId", userID)
	return nil
}

// DeleteAccount removes the credential for email
func (s *Store) DeleteAccount(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(accountKey(normalizeEmail(email)))
	})
}

// CreateSession verifies the password and opens a session that expires
// after the store's TTL
func (s *Store) CreateSession(ctx context.Context, email, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email = normalizeEmail(email)

	var acc account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(email))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &acc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    acc.UserID,
		Email:     acc.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	value, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(session.ID), value).WithTTL(s.ttl))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.Info("Session created", "userId", acc.UserID, "expiresAt", session.ExpiresAt)
	return session, nil
}

// GetSession returns a live session
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrSessionNotFound
	}

	var session Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// DeleteSession ends a session. Deleting an unknown session is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func accountKey(email string) []byte { return []byte("account:" + email) }
func sessionKey(id string) []byte    { return []byte("session:" + id) }
