package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	TokenCookie = "termgate_session"
	BcryptCost  = 12
)

var (
	// ErrTokenUnknown means the token was never issued or already revoked.
	ErrTokenUnknown = errors.New("unknown token")
	// ErrTokenExpired means the token existed but its lifetime has passed.
	ErrTokenExpired = errors.New("expired token")
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type tokenEntry struct {
	Username  string
	ExpiresAt time.Time
}

// TokenStore maps opaque login tokens to usernames. Tokens live only in
// memory; a restart logs everyone out.
type TokenStore struct {
	mu     sync.RWMutex
	ttl    time.Duration
	tokens map[string]tokenEntry
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{
		ttl:    ttl,
		tokens: make(map[string]tokenEntry),
	}
}

// Mint issues a new 256-bit token for the user.
func (s *TokenStore) Mint(username string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.tokens[token] = tokenEntry{
		Username:  username,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Resolve returns the username a token was issued to. Expired tokens are
// dropped on sight.
func (s *TokenStore) Resolve(token string) (string, error) {
	s.mu.RLock()
	entry, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return "", ErrTokenUnknown
	}
	if time.Now().After(entry.ExpiresAt) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
		return "", ErrTokenExpired
	}
	return entry.Username, nil
}

// Revoke forgets a token. Revoking an unknown token is a no-op.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Sweep drops every expired token and returns how many were removed.
func (s *TokenStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, entry := range s.tokens {
		if now.After(entry.ExpiresAt) {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

// TTL returns the configured token lifetime.
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}
