package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/engine"
	"github.com/termgate/termgate/internal/ownership"
	"github.com/termgate/termgate/internal/ports"
)

type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrQuotaExceeded = errors.New("session limit reached")
	ErrPendingDelete = errors.New("session is being deleted")
	ErrNotOwner      = errors.New("session belongs to another user")
)

// Driver is the slice of the container engine the registry drives.
// engine.Docker implements it; tests use a stub.
type Driver interface {
	CreateAndStart(ctx context.Context, sessionID string, hostPort int, workspace string) (string, error)
	AwaitReady(ctx context.Context, hostPort int, timeout time.Duration) error
	Remove(ctx context.Context, ref string) error
	Start(ctx context.Context, ref string) error
	Inspect(ctx context.Context, ref string) (engine.Managed, error)
	ListManaged(ctx context.Context) ([]engine.Managed, error)
}

// session is mutated only under Registry.mu.
type session struct {
	id           string
	username     string
	port         int
	containerID  string
	workspace    string
	state        State
	createdAt    time.Time
	lastAccessed time.Time

	refCount      int
	pendingDelete bool
	tearingDown   bool
}

// Info is a point-in-time copy of a session. Callers never see the live
// struct.
type Info struct {
	ID            string
	Username      string
	Port          int
	ContainerID   string
	Workspace     string
	State         State
	CreatedAt     time.Time
	LastAccessed  time.Time
	RefCount      int
	PendingDelete bool
}

func (s *session) info() Info {
	return Info{
		ID:            s.id,
		Username:      s.username,
		Port:          s.port,
		ContainerID:   s.containerID,
		Workspace:     s.workspace,
		State:         s.state,
		CreatedAt:     s.createdAt,
		LastAccessed:  s.lastAccessed,
		RefCount:      s.refCount,
		PendingDelete: s.pendingDelete,
	}
}

// Options configures session creation.
type Options struct {
	MaxPerUser    int
	ReadyTimeout  time.Duration
	WorkspaceRoot string
}

// Registry is the authoritative table of live sessions. One coarse lock
// guards the session map and the per-user counts; container work always
// happens outside it.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session
	userCount map[string]int

	ports  *ports.Allocator
	owners *ownership.Store
	driver Driver
	opts   Options
}

func New(driver Driver, alloc *ports.Allocator, owners *ownership.Store, opts Options) *Registry {
	return &Registry{
		sessions:  make(map[string]*session),
		userCount: make(map[string]int),
		ports:     alloc,
		owners:    owners,
		driver:    driver,
		opts:      opts,
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Create provisions a new session for username: reserve quota, allocate
// a port, start the container, wait for the terminal daemon, record
// ownership, publish. Every step after the port allocation compensates
// on failure so nothing dangles.
func (r *Registry) Create(ctx context.Context, username string) (Info, error) {
	r.mu.Lock()
	if r.userCount[username] >= r.opts.MaxPerUser {
		r.mu.Unlock()
		return Info{}, ErrQuotaExceeded
	}
	port, err := r.ports.Allocate()
	if err != nil {
		r.mu.Unlock()
		return Info{}, err
	}
	r.userCount[username]++
	r.mu.Unlock()

	id, err := newSessionID()
	if err != nil {
		r.abortCreate(username, port)
		return Info{}, err
	}

	workspace := filepath.Join(r.opts.WorkspaceRoot, id)
	if err := provisionWorkspace(workspace); err != nil {
		r.abortCreate(username, port)
		return Info{}, fmt.Errorf("provision workspace: %w", err)
	}

	now := time.Now()
	s := &session{
		id:           id,
		username:     username,
		port:         port,
		workspace:    workspace,
		state:        StateStarting,
		createdAt:    now,
		lastAccessed: now,
	}

	containerID, err := r.driver.CreateAndStart(ctx, id, port, workspace)
	s.containerID = containerID
	if err != nil {
		r.removeContainer(s)
		r.removeWorkspace(workspace)
		r.abortCreate(username, port)
		return Info{}, err
	}

	if err := r.driver.AwaitReady(ctx, port, r.opts.ReadyTimeout); err != nil {
		r.removeContainer(s)
		r.removeWorkspace(workspace)
		r.abortCreate(username, port)
		return Info{}, err
	}
	s.state = StateRunning

	if err := r.owners.Put(id, username); err != nil {
		r.removeContainer(s)
		r.removeWorkspace(workspace)
		r.abortCreate(username, port)
		return Info{}, fmt.Errorf("record ownership: %w", err)
	}

	r.mu.Lock()
	r.sessions[id] = s
	out := s.info()
	r.mu.Unlock()

	log.Printf("Session %s created for %s on port %d", shortID(id), username, port)
	return out, nil
}

// abortCreate undoes the quota reservation and port allocation of a
// create that never published its session.
func (r *Registry) abortCreate(username string, port int) {
	r.ports.Release(port)
	r.mu.Lock()
	r.decUserLocked(username)
	r.mu.Unlock()
}

func (r *Registry) decUserLocked(username string) {
	if r.userCount[username] <= 1 {
		delete(r.userCount, username)
		return
	}
	r.userCount[username]--
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// SessionsFor returns snapshots of username's sessions, oldest first.
func (r *Registry) SessionsFor(username string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, s := range r.sessions {
		if s.username == username {
			out = append(out, s.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// List returns snapshots of every session, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Handle pins a session against teardown until released. Exactly one
// Release per handle; a second call is a programming error and is
// logged, not double-counted.
type Handle struct {
	r        *Registry
	s        *session
	released bool
}

// Acquire increments the session's reference count and returns a handle
// for work that outlives the caller's critical section, typically a
// terminal bridge. Sessions marked for deletion refuse new references.
func (r *Registry) Acquire(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.pendingDelete {
		return nil, ErrPendingDelete
	}
	s.refCount++
	s.lastAccessed = time.Now()
	return &Handle{r: r, s: s}, nil
}

// Info returns a current snapshot of the pinned session.
func (h *Handle) Info() Info {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.s.info()
}

// Release drops the reference. The last release of a session marked for
// deletion performs the teardown.
func (h *Handle) Release() {
	h.r.mu.Lock()
	if h.released {
		h.r.mu.Unlock()
		log.Printf("ERROR: session %s handle released twice", shortID(h.s.id))
		return
	}
	h.released = true
	h.s.refCount--
	teardownNow := h.s.pendingDelete && h.s.refCount == 0 && !h.s.tearingDown
	if teardownNow {
		h.s.tearingDown = true
	}
	h.r.mu.Unlock()

	if teardownNow {
		h.r.teardown(h.s)
	}
}

// Delete marks the session for deletion and tears it down once no
// references remain. With no references it tears down before returning;
// otherwise it returns immediately and the last Release finishes the
// job. Deleting an already-marked session is a no-op. A non-empty
// requester must match the ownership record; a session with no record
// is an orphan and may be deleted by anyone authenticated.
func (r *Registry) Delete(ctx context.Context, id, requester string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if requester != "" {
		if owner, ok := r.owners.Get(id); ok && owner != requester {
			r.mu.Unlock()
			return ErrNotOwner
		}
	}
	if s.pendingDelete {
		r.mu.Unlock()
		return nil
	}
	s.pendingDelete = true
	s.state = StateTerminating
	teardownNow := s.refCount == 0 && !s.tearingDown
	if teardownNow {
		s.tearingDown = true
	}
	r.mu.Unlock()

	if teardownNow {
		r.teardown(s)
	}
	return nil
}

// forceDelete tears a session down regardless of live references. Used
// for sessions whose container is already gone; any bridges on them die
// with the daemon connection.
func (r *Registry) forceDelete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.pendingDelete = true
	s.state = StateTerminating
	already := s.tearingDown
	s.tearingDown = true
	r.mu.Unlock()

	if !already {
		r.teardown(s)
	}
}

// teardown removes the container, workspace, port, ownership record and
// registry entry. Each step tolerates partial earlier runs; the
// tearingDown flag guarantees a single entry per session, so the port
// is released exactly once.
func (r *Registry) teardown(s *session) {
	r.removeContainer(s)
	r.removeWorkspace(s.workspace)
	r.ports.Release(s.port)
	if err := r.owners.Remove(s.id); err != nil {
		log.Printf("ERROR: remove ownership record for %s: %v", shortID(s.id), err)
	}

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.decUserLocked(s.username)
	r.mu.Unlock()

	log.Printf("Session %s torn down, port %d released", shortID(s.id), s.port)
}

// removeContainer force-removes the session's container. Teardown must
// finish even when the caller's context is gone, so this uses a fresh
// one.
func (r *Registry) removeContainer(s *session) {
	ref := s.containerID
	if ref == "" {
		ref = engine.ContainerName(s.id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.driver.Remove(ctx, ref); err != nil {
		log.Printf("ERROR: remove container for session %s: %v", shortID(s.id), err)
	}
}

// removeWorkspace deletes a session workspace. Only paths under the
// workspace root are touched; recovered sessions may carry bind paths
// from a differently configured run.
func (r *Registry) removeWorkspace(dir string) {
	if dir == "" || r.opts.WorkspaceRoot == "" {
		return
	}
	rel, err := filepath.Rel(r.opts.WorkspaceRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		log.Printf("WARNING: not removing workspace outside root: %s", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("ERROR: remove workspace %s: %v", dir, err)
	}
}

const (
	workspaceUID = 1000
	workspaceGID = 1000
)

// provisionWorkspace prepares the host directory bind-mounted into the
// container. The terminal runs as uid 1000 inside, so ownership is
// handed over when the process has the privilege to do so.
func provisionWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return err
	}
	if err := os.Chown(dir, workspaceUID, workspaceGID); err != nil {
		log.Printf("WARNING: chown workspace %s: %v", dir, err)
	}
	return nil
}
