// Package auth holds the web front-end's user directory, session tokens,
// passkey ceremonies and per-client rate limits.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrUserExists      = errors.New("user already exists")
	ErrBadCredentials  = errors.New("invalid username or password")
	ErrInvalidUsername = errors.New("invalid username")
)

// User is one entry of users.json.
type User struct {
	Name         string                `json:"name"`
	PasswordHash string                `json:"password_hash,omitempty"`
	Credentials  []webauthn.Credential `json:"credentials,omitempty"`
	Created      time.Time             `json:"created"`
}

// Users is the file-backed user directory. Every mutation rewrites the file
// atomically.
type Users struct {
	path string

	mu    sync.RWMutex
	users map[string]*User
}

// OpenUsers loads path. A missing file is an empty directory.
func OpenUsers(path string) (*Users, error) {
	u := &Users{path: path, users: map[string]*User{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	var list []*User
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	for _, usr := range list {
		u.users[usr.Name] = usr
	}
	return u, nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return name != "." && name != ".."
}

// Add creates a user with a bcrypt-hashed password.
func (u *Users) Add(name, password string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.users[name]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, name)
	}
	u.users[name] = &User{Name: name, PasswordHash: string(hash), Created: time.Now().UTC()}
	if err := u.saveLocked(); err != nil {
		delete(u.users, name)
		return err
	}
	return nil
}

// SetPassword replaces an existing user's password.
func (u *Users) SetPassword(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return u.mutate(name, func(usr *User) {
		usr.PasswordHash = string(hash)
	})
}

// Verify checks a password. Unknown users and wrong passwords both return
// ErrBadCredentials.
func (u *Users) Verify(name, password string) error {
	u.mu.RLock()
	usr, ok := u.users[name]
	var hash string
	if ok {
		hash = usr.PasswordHash
	}
	u.mu.RUnlock()
	if !ok || hash == "" {
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// Exists reports whether name is a registered user.
func (u *Users) Exists(_ context.Context, name string) (bool, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.users[name]
	return ok, nil
}

// Get returns a copy of the named user.
func (u *Users) Get(name string) (User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	usr, ok := u.users[name]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	cp := *usr
	cp.Credentials = slices.Clone(usr.Credentials)
	return cp, nil
}

// Names lists all users, sorted.
func (u *Users) Names() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	names := make([]string, 0, len(u.users))
	for n := range u.users {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// PutCredential adds a passkey credential or replaces the one with the same
// credential id.
func (u *Users) PutCredential(name string, cred webauthn.Credential) error {
	return u.mutate(name, func(usr *User) {
		for i := range usr.Credentials {
			if string(usr.Credentials[i].ID) == string(cred.ID) {
				usr.Credentials[i] = cred
				return
			}
		}
		usr.Credentials = append(usr.Credentials, cred)
	})
}

func (u *Users) mutate(name string, fn func(*User)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	prev := *usr
	prev.Credentials = slices.Clone(usr.Credentials)
	fn(usr)
	if err := u.saveLocked(); err != nil {
		*usr = prev
		return err
	}
	return nil
}

func (u *Users) saveLocked() error {
	list := make([]*User, 0, len(u.users))
	for _, usr := range u.users {
		list = append(list, usr)
	}
	slices.SortFunc(list, func(a, b *User) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(u.path), 0o700); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}
	tmp := u.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	if err := os.Rename(tmp, u.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write users: %w", err)
	}
	return nil
}
