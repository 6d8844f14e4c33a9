package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	ErrUserAlreadyExists = errors.New("email already exists")
	ErrUserNotFound      = errors.New("user not found")
)

// User is an account as stored on disk.
type User struct {
	ID           chat.UserID `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"passwordHash"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// UserStore keeps accounts keyed by their normalised e-mail address.
type UserStore struct {
	db *badger.DB
}

func NewUserStore(db *badger.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser persists a new account and returns it with a fresh id. The
// e-mail uniqueness check and the write happen in the same transaction.
func (s *UserStore) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	user := User{
		ID:           chat.UserID(uuid.NewString()),
		Username:     username,
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(user)
	if err != nil {
		return User{}, fmt.Errorf("marshal user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := userKey(user.Email)
		if _, err := txn.Get(key); err == nil {
			return ErrUserAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByEmail returns ErrUserNotFound when no account uses the address.
func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(normalizeEmail(email)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func userKey(email string) []byte {
	return []byte("user:" + email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
