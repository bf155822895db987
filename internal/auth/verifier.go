package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials is a definitive rejection: the caller may
	// count it against a login rate limit.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUnavailable means no authority could be consulted. Callers
	// surface it as a transient failure, not a rejection.
	ErrUnavailable = errors.New("authentication service unavailable")
)

// Authenticator is the directory side of verification. *Directory
// implements it; tests substitute fakes.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Verifier checks credentials against the local user file first and
// falls through to the directory service only for usernames with no
// local record. A local record always decides: a wrong password there
// is final even when the directory knows the same username.
type Verifier struct {
	users     *Users
	directory Authenticator
}

// NewVerifier builds a verifier. directory may be nil when no directory
// service is configured.
func NewVerifier(users *Users, directory Authenticator) *Verifier {
	return &Verifier{users: users, directory: directory}
}

// Verify returns nil on success, ErrInvalidCredentials on rejection and
// ErrUnavailable when no authority could decide.
func (v *Verifier) Verify(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	if v.users != nil && v.users.Has(username) {
		if v.users.Verify(username, password) {
			return nil
		}
		return ErrInvalidCredentials
	}
	if v.directory != nil {
		return v.directory.Authenticate(ctx, username, password)
	}
	return ErrInvalidCredentials
}
