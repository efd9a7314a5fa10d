// Package userstore provides a server.UserStore backed by a JSON file of
// accounts with bcrypt password hashes.
//
// File format:
//
//	[
//	  {"name": "alice", "password_hash": "$2a$10$...", "home": "/srv/ftp/alice"},
//	  {"name": "mirror", "password_hash": "$2a$10$...", "home": "/srv/ftp/pub", "read_only": true},
//	  {"name": "bob", "password_hash": "$2a$10$...", "home": "bob", "disabled": true}
//	]
//
// Relative home directories are resolved against the directory given with
// WithHomeRoot. Use HashPassword (or "ftpd hash-password") to produce hashes.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gonzalop/ftpd/server"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrAuthFailed is returned by Authenticate for unknown users, disabled
// accounts and wrong passwords alike.
var ErrAuthFailed = errors.New("userstore: authentication failed")

// Account is one entry of the user file.
type Account struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	Home         string `json:"home"`
	ReadOnly     bool   `json:"read_only,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for reload events. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHomeRoot sets the directory relative home directories are joined to.
func WithHomeRoot(root string) Option {
	return func(s *Store) {
		s.homeRoot = root
	}
}

// WithAnonymous enables read-only logins as "anonymous" or "ftp" with any
// password, confined to home.
func WithAnonymous(home string) Option {
	return func(s *Store) {
		s.anonymousHome = home
	}
}

// Store authenticates users against a set of accounts. It is safe for
// concurrent use; Reload swaps the accounts atomically.
type Store struct {
	path          string
	homeRoot      string
	anonymousHome string
	logger        *zap.Logger

	mu       sync.RWMutex
	accounts map[string]Account
}

// New creates a Store from accounts.
func New(accounts []Account, opts ...Option) (*Store, error) {
	s := &Store{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.set(accounts); err != nil {
		return nil, err
	}
	return s, nil
}

// Load creates a Store from the JSON user file at path.
func Load(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the user file. On error the current accounts are kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("userstore: no user file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("userstore: read %s: %w", s.path, err)
	}
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("userstore: parse %s: %w", s.path, err)
	}
	if err := s.set(accounts); err != nil {
		return err
	}
	s.logger.Info("user_store_loaded",
		zap.String("path", s.path),
		zap.Int("accounts", len(accounts)),
	)
	return nil
}

func (s *Store) set(accounts []Account) error {
	m := make(map[string]Account, len(accounts))
	for i, a := range accounts {
		if a.Name == "" {
			return fmt.Errorf("userstore: account %d has no name", i)
		}
		if _, dup := m[a.Name]; dup {
			return fmt.Errorf("userstore: duplicate account %q", a.Name)
		}
		if !a.Disabled {
			if a.Home == "" {
				return fmt.Errorf("userstore: account %q has no home directory", a.Name)
			}
			if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
				return fmt.Errorf("userstore: account %q: invalid password hash: %w", a.Name, err)
			}
		}
		m[a.Name] = a
	}

	s.mu.Lock()
	s.accounts = m
	s.mu.Unlock()
	return nil
}

// Len returns the number of accounts, disabled ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Authenticate implements server.UserStore.
func (s *Store) Authenticate(_ context.Context, user, pass string) (*server.User, error) {
	if s.anonymousHome != "" && (user == "anonymous" || user == "ftp") {
		return &server.User{Name: user, HomeDir: s.resolveHome(s.anonymousHome), ReadOnly: true}, nil
	}

	s.mu.RLock()
	a, ok := s.accounts[user]
	s.mu.RUnlock()

	if !ok || a.Disabled {
		// Spend the same time as a real comparison so unknown names are not
		// distinguishable by latency.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(pass))
		return nil, ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(pass)); err != nil {
		return nil, ErrAuthFailed
	}
	return &server.User{Name: a.Name, HomeDir: s.resolveHome(a.Home), ReadOnly: a.ReadOnly}, nil
}

// HomeDirectory implements server.UserStore.
func (s *Store) HomeDirectory(u *server.User) string {
	return u.HomeDir
}

func (s *Store) resolveHome(home string) string {
	if filepath.IsAbs(home) || s.homeRoot == "" {
		return home
	}
	return filepath.Join(s.homeRoot, home)
}

// HashPassword returns a bcrypt hash of pass for the password_hash field.
func HashPassword(pass string) (string, error) {
	return hashPassword(pass, bcrypt.DefaultCost)
}

func hashPassword(pass string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pass), cost)
	if err != nil {
		return "", fmt.Errorf("userstore: hash password: %w", err)
	}
	return string(h), nil
}

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("ftpd-dummy-password"), bcrypt.DefaultCost)
	return h
})

// Write stores accounts as a user file at path.
func Write(path string, accounts []Account) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("userstore: encode: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("userstore: write %s: %w", path, err)
	}
	return nil
}
