package auth

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// UserRecord is one entry in the local user file.
type UserRecord struct {
	PasswordHash string    `yaml:"password_hash"`
	Admin        bool      `yaml:"admin,omitempty"`
	CreatedAt    time.Time `yaml:"created_at,omitempty"`
}

type userFile struct {
	Users map[string]UserRecord `yaml:"users"`
}

// Users is the local user database backed by a YAML file. The file is the
// only persisted user state; every mutation rewrites it atomically.
type Users struct {
	mu    sync.Mutex
	path  string
	users map[string]UserRecord
}

// LoadUsers reads the user file at path. A missing file yields an empty
// set (the management CLI creates it on the first add).
func LoadUsers(path string) (*Users, error) {
	u := &Users{path: path, users: make(map[string]UserRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return u, nil
		}
		return nil, fmt.Errorf("read user file: %w", err)
	}

	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse user file %s: %w", path, err)
	}
	if f.Users != nil {
		u.users = f.Users
	}
	return u, nil
}

func (u *Users) save() error {
	data, err := yaml.Marshal(userFile{Users: u.users})
	if err != nil {
		return fmt.Errorf("encode user file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(u.path), 0755); err != nil {
		return fmt.Errorf("create user file dir: %w", err)
	}
	// 0600: the file holds password hashes.
	if err := atomicwriter.WriteFile(u.path, data, 0600); err != nil {
		return fmt.Errorf("write user file: %w", err)
	}
	return nil
}

// Has reports whether username is a local user.
func (u *Users) Has(username string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.users[username]
	return ok
}

// Verify checks a password against the stored bcrypt hash.
func (u *Users) Verify(username, password string) bool {
	u.mu.Lock()
	rec, ok := u.users[username]
	u.mu.Unlock()
	if !ok {
		return false
	}
	if !CheckPassword(password, rec.PasswordHash) {
		return false
	}
	return true
}

// IsAdmin reports whether the user carries the admin flag.
func (u *Users) IsAdmin(username string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.users[username].Admin
}

// Len returns the number of local users.
func (u *Users) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.users)
}

// UserInfo is a listing entry for the management CLI.
type UserInfo struct {
	Username  string
	Admin     bool
	CreatedAt time.Time
}

// List returns all users sorted by name.
func (u *Users) List() []UserInfo {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]UserInfo, 0, len(u.users))
	for name, rec := range u.users {
		out = append(out, UserInfo{Username: name, Admin: rec.Admin, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Add creates a user with a bcrypt-hashed password.
func (u *Users) Add(username, password string, admin bool) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.users[username]; exists {
		return fmt.Errorf("user %q already exists", username)
	}
	u.users[username] = UserRecord{
		PasswordHash: hash,
		Admin:        admin,
		CreatedAt:    time.Now(),
	}
	if err := u.save(); err != nil {
		delete(u.users, username)
		return err
	}
	return nil
}

// Remove deletes a user.
func (u *Users) Remove(username string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	prev, ok := u.users[username]
	if !ok {
		return fmt.Errorf("user %q not found", username)
	}
	delete(u.users, username)
	if err := u.save(); err != nil {
		u.users[username] = prev
		return err
	}
	return nil
}

// SetPassword replaces a user's password hash.
func (u *Users) SetPassword(username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.users[username]
	if !ok {
		return fmt.Errorf("user %q not found", username)
	}
	prev := rec
	rec.PasswordHash = hash
	u.users[username] = rec
	if err := u.save(); err != nil {
		u.users[username] = prev
		return err
	}
	return nil
}

// WarnIfEmpty logs when authentication is enabled but no local user exists.
func (u *Users) WarnIfEmpty() {
	if u.Len() == 0 {
		log.Printf("WARNING: user file %s has no users; run termgate --add-user", u.path)
	}
}
