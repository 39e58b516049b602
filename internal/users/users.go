// ============================================================================
// Stork User Store - registration and login
// ============================================================================
//
// Package: internal/users
// File: users.go
// Purpose: Table of registered accounts keyed by email
//
// Credentials in a request ad:
//   email / user        account identifier
//   password            clear text; hashed with bcrypt on register
//   pass_hash           a bcrypt hash computed by the client
//
// The table is part of every state snapshot (Snapshot / Restore).
//
// ============================================================================

package users

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrMissingEmail    = errors.New("missing user email")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrMissingPassword = errors.New("missing password")
	ErrUserExists      = errors.New("user already registered")
	ErrBadLogin        = errors.New("invalid email or password")
)

// Store registered users
type Store struct {
	mu    sync.RWMutex
	users map[string]*types.User
	cost  int
	log   *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithCost sets the bcrypt cost used for clear-text passwords.
func WithCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		users: make(map[string]*types.User),
		cost:  bcrypt.DefaultCost,
		log:   slog.With("component", "users"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func emailOf(a ad.Ad) string {
	email := a.Get("email")
	if email == "" {
		email = a.Get("user")
	}
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account from a request ad.
//
// Returns:
//   - *types.User: copy of the stored record
//   - error: ErrMissingEmail, ErrInvalidEmail, ErrMissingPassword,
//     ErrUserExists
func (s *Store) Register(a ad.Ad) (*types.User, error) {
	email := emailOf(a)
	if email == "" {
		return nil, ErrMissingEmail
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	hash := a.Get("pass_hash")
	if pw := a.Get("password"); pw != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), s.cost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}
	if hash == "" {
		return nil, ErrMissingPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	u := &types.User{
		Email:    email,
		Name:     a.Get("name"),
		PassHash: hash,
		Created:  time.Now().Unix(),
	}
	s.users[email] = u
	s.log.Info("user registered", "email", email)

	c := *u
	return &c, nil
}

// Authenticate checks the credentials carried in a request ad.
//
// A clear-text password is checked against the stored bcrypt hash; a
// pass_hash must equal the stored hash.
func (s *Store) Authenticate(a ad.Ad) (*types.User, error) {
	email := emailOf(a)
	if email == "" {
		return nil, ErrMissingEmail
	}

	s.mu.RLock()
	u, ok := s.users[email]
	var c types.User
	if ok {
		c = *u
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBadLogin
	}

	switch {
	case a.Has("password"):
		if bcrypt.CompareHashAndPassword([]byte(c.PassHash), []byte(a.Get("password"))) != nil {
			return nil, ErrBadLogin
		}
	case a.Has("pass_hash"):
		if !hashEqual(c.PassHash, a.Get("pass_hash")) {
			return nil, ErrBadLogin
		}
	default:
		return nil, ErrMissingPassword
	}
	return &c, nil
}

// hashEqual compares stored and presented hashes in constant time.
func hashEqual(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Get returns a copy of the user, or false.
func (s *Store) Get(email string) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, false
	}
	c := *u
	return &c, true
}

// Len number of registered users
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Snapshot copies the table.
func (s *Store) Snapshot() map[string]*types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*types.User, len(s.users))
	for k, u := range s.users {
		c := *u
		out[k] = &c
	}
	return out
}

// Restore replaces the table.
func (s *Store) Restore(users map[string]*types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*types.User, len(users))
	for k, u := range users {
		if u == nil {
			continue
		}
		c := *u
		s.users[strings.ToLower(k)] = &c
	}
}
