package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/trickstertwo/xrelay"
)

// ErrInvalidCredentials is returned by an Authenticator when the username is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// User is the identity an Authenticator resolves.
type User struct {
	ID       string   `json:"id" msgpack:"id"`
	Username string   `json:"username" msgpack:"username"`
	Roles    []string `json:"roles,omitempty" msgpack:"roles,omitempty"`
}

// Authenticator checks credentials against the user store. Implementations
// return ErrInvalidCredentials for a mismatch and xrelay.ErrAmbiguous when a
// username resolves to more than one user.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (User, error)
}

type staticUser struct {
	user User
	hash [sha256.Size]byte
}

// StaticAuthenticator is an in-memory Authenticator for development and tests.
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[string][]staticUser
}

// NewStaticAuthenticator returns an authenticator knowing creds
// (username -> password).
func NewStaticAuthenticator(creds map[string]string) *StaticAuthenticator {
	a := &StaticAuthenticator{users: make(map[string][]staticUser, len(creds))}
	for u, p := range creds {
		a.Add(User{Username: u}, p)
	}
	return a
}

// Add registers a user. Adding the same username twice makes it ambiguous.
func (a *StaticAuthenticator) Add(u User, password string) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	a.mu.Lock()
	a.users[u.Username] = append(a.users[u.Username], staticUser{user: u, hash: sha256.Sum256([]byte(password))})
	a.mu.Unlock()
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, username, password string) (User, error) {
	a.mu.RLock()
	matches := a.users[username]
	a.mu.RUnlock()

	switch len(matches) {
	case 0:
		return User{}, ErrInvalidCredentials
	case 1:
	default:
		return User{}, xrelay.ErrAmbiguous
	}
	sum := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(sum[:], matches[0].hash[:]) != 1 {
		return User{}, ErrInvalidCredentials
	}
	return matches[0].user, nil
}
