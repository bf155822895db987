package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type fakeAuthenticator struct {
	err    error
	called bool
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, username, password string) error {
	f.called = true
	return f.err
}

func newVerifierUsers(t *testing.T) *Users {
	t.Helper()
	users, err := LoadUsers(filepath.Join(t.TempDir(), "users.yaml"))
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if err := users.Add("alice", "local-pw", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return users
}

func TestVerifyEmptyCredentials(t *testing.T) {
	dir := &fakeAuthenticator{}
	v := NewVerifier(newVerifierUsers(t), dir)

	for _, tt := range []struct{ username, password string }{
		{"", "pw"},
		{"alice", ""},
		{"", ""},
	} {
		if err := v.Verify(context.Background(), tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Verify(%q, %q) = %v, want ErrInvalidCredentials", tt.username, tt.password, err)
		}
	}
	if dir.called {
		t.Error("directory consulted for empty credentials")
	}
}

func TestVerifyLocalUserDecides(t *testing.T) {
	// The directory would accept anything, but a local record is
	// authoritative for its username.
	dir := &fakeAuthenticator{}
	v := NewVerifier(newVerifierUsers(t), dir)

	if err := v.Verify(context.Background(), "alice", "local-pw"); err != nil {
		t.Errorf("Verify with correct local password: %v", err)
	}
	if err := v.Verify(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Verify with wrong local password = %v, want ErrInvalidCredentials", err)
	}
	if dir.called {
		t.Error("directory consulted for a locally known user")
	}
}

func TestVerifyFallsThroughToDirectory(t *testing.T) {
	tests := []struct {
		name    string
		dirErr  error
		wantErr error
	}{
		{name: "accepted", dirErr: nil, wantErr: nil},
		{name: "rejected", dirErr: ErrInvalidCredentials, wantErr: ErrInvalidCredentials},
		{name: "unavailable", dirErr: ErrUnavailable, wantErr: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &fakeAuthenticator{err: tt.dirErr}
			v := NewVerifier(newVerifierUsers(t), dir)

			err := v.Verify(context.Background(), "bob", "pw")
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Verify = %v, want nil", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify = %v, want %v", err, tt.wantErr)
			}
			if !dir.called {
				t.Error("directory not consulted for unknown local user")
			}
		})
	}
}

func TestVerifyWithoutDirectory(t *testing.T) {
	v := NewVerifier(newVerifierUsers(t), nil)
	if err := v.Verify(context.Background(), "bob", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Verify = %v, want ErrInvalidCredentials", err)
	}
}
