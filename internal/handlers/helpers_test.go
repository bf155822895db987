package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/engine"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/ownership"
	"github.com/termgate/termgate/internal/ports"
	"github.com/termgate/termgate/internal/registry"
)

// fakeDaemon speaks just enough of the terminal daemon's wire protocol
// for bridge tests: it swallows the size handshake, announces a title and
// a prompt, echoes '0'-prefixed input and records resizes.
type fakeDaemon struct {
	sessionID string
	hostPort  int
	workspace string
	createdAt time.Time

	mu       sync.Mutex
	status   string
	listener net.Listener
	srv      *http.Server
	resizes  [][]byte
}

func (d *fakeDaemon) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", d.hostPort))
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: http.HandlerFunc(d.serveWS)}
	d.mu.Lock()
	d.listener = ln
	d.srv = srv
	d.status = "running"
	d.mu.Unlock()
	go srv.Serve(ln)
	return nil
}

func (d *fakeDaemon) stop(status string) {
	d.mu.Lock()
	srv := d.srv
	d.srv = nil
	d.listener = nil
	d.status = status
	d.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
}

func (d *fakeDaemon) currentStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDaemon) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"tty"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	// First client frame is the terminal-size handshake.
	if _, _, err := conn.Read(ctx); err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("1fake-term")); err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("0$ ")); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case '0':
			echo := append([]byte{'0'}, data[1:]...)
			if err := conn.Write(ctx, websocket.MessageBinary, echo); err != nil {
				return
			}
		case '1':
			d.mu.Lock()
			d.resizes = append(d.resizes, append([]byte(nil), data[1:]...))
			d.mu.Unlock()
		}
	}
}

// termDriver implements registry.Driver by binding a real daemon to every
// allocated port, so the bridge is exercised end to end without a
// container engine.
type termDriver struct {
	mu        sync.Mutex
	daemons   map[string]*fakeDaemon
	createErr error
	readyErr  error
}

func newTermDriver() *termDriver {
	return &termDriver{daemons: make(map[string]*fakeDaemon)}
}

func (d *termDriver) CreateAndStart(ctx context.Context, sessionID string, hostPort int, workspace string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	fd := &fakeDaemon{
		sessionID: sessionID,
		hostPort:  hostPort,
		workspace: workspace,
		createdAt: time.Now(),
	}
	if err := fd.start(); err != nil {
		return "", err
	}
	ref := "ctr-" + sessionID[:8]
	d.daemons[ref] = fd
	return ref, nil
}

func (d *termDriver) AwaitReady(ctx context.Context, hostPort int, timeout time.Duration) error {
	if d.readyErr != nil {
		return d.readyErr
	}
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return engine.ErrNotReady
}

func (d *termDriver) Remove(ctx context.Context, ref string) error {
	d.mu.Lock()
	fd, ok := d.daemons[ref]
	if !ok {
		fd, ok = d.findByNameLocked(ref)
	}
	if ok {
		delete(d.daemons, "ctr-"+fd.sessionID[:8])
	}
	d.mu.Unlock()
	if ok {
		fd.stop("removed")
	}
	return nil
}

func (d *termDriver) Start(ctx context.Context, ref string) error {
	d.mu.Lock()
	fd, ok := d.daemons[ref]
	if !ok {
		fd, ok = d.findByNameLocked(ref)
	}
	d.mu.Unlock()
	if !ok {
		return engine.ErrNotFound
	}
	if fd.currentStatus() == "running" {
		return nil
	}
	return fd.start()
}

func (d *termDriver) Inspect(ctx context.Context, ref string) (engine.Managed, error) {
	d.mu.Lock()
	fd, ok := d.daemons[ref]
	if !ok {
		fd, ok = d.findByNameLocked(ref)
	}
	d.mu.Unlock()
	if !ok {
		return engine.Managed{}, engine.ErrNotFound
	}
	return d.managed(fd), nil
}

func (d *termDriver) ListManaged(ctx context.Context) ([]engine.Managed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []engine.Managed
	for _, fd := range d.daemons {
		out = append(out, d.managed(fd))
	}
	return out, nil
}

func (d *termDriver) findByNameLocked(name string) (*fakeDaemon, bool) {
	for _, fd := range d.daemons {
		if engine.ContainerName(fd.sessionID) == name {
			return fd, true
		}
	}
	return nil, false
}

func (d *termDriver) managed(fd *fakeDaemon) engine.Managed {
	return engine.Managed{
		ID:        "ctr-" + fd.sessionID[:8],
		Name:      engine.ContainerName(fd.sessionID),
		SessionID: fd.sessionID,
		Status:    fd.currentStatus(),
		HostPort:  fd.hostPort,
		Workspace: fd.workspace,
		CreatedAt: fd.createdAt,
	}
}

func (d *termDriver) daemonFor(sessionID string) *fakeDaemon {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fd := range d.daemons {
		if fd.sessionID == sessionID {
			return fd
		}
	}
	return nil
}

func (d *termDriver) stopAll() {
	d.mu.Lock()
	daemons := make([]*fakeDaemon, 0, len(d.daemons))
	for _, fd := range d.daemons {
		daemons = append(daemons, fd)
	}
	d.mu.Unlock()
	for _, fd := range daemons {
		fd.stop("removed")
	}
}

var _ registry.Driver = (*termDriver)(nil)

type handlerEnv struct {
	users  *auth.Users
	driver *termDriver
	owners *ownership.Store
	reg    *registry.Registry
	root   string
}

const testMaxPerUser = 2

// setupEnv wires the package-level handler state the way main.go does,
// against the fake daemon driver.
func setupEnv(t *testing.T, authEnabled bool) *handlerEnv {
	t.Helper()
	dir := t.TempDir()

	users, err := auth.LoadUsers(filepath.Join(dir, "auth.yaml"))
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if authEnabled {
		if err := users.Add("alice", "alice-password", false); err != nil {
			t.Fatalf("add alice: %v", err)
		}
		if err := users.Add("bob", "bob-password", false); err != nil {
			t.Fatalf("add bob: %v", err)
		}
		if err := users.Add("root", "root-password", true); err != nil {
			t.Fatalf("add root: %v", err)
		}
	}

	owners, err := ownership.Open(filepath.Join(dir, "owners.json"))
	if err != nil {
		t.Fatalf("open ownership store: %v", err)
	}

	driver := newTermDriver()
	reg := registry.New(driver, ports.New(18200, 18299), owners, registry.Options{
		MaxPerUser:    testMaxPerUser,
		ReadyTimeout:  3 * time.Second,
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
	})

	Tokens = auth.NewTokenStore(time.Hour)
	Identity = auth.NewVerifier(users, nil)
	Limiter = auth.NewLoginLimiter(5, 15*time.Minute)
	AuthEnabled = authEnabled
	Sessions = reg
	Owners = owners
	MaxSessionsPerUser = testMaxPerUser
	Engine = nil
	KeepaliveInterval = 20 * time.Second
	KeepaliveTimeout = 20 * time.Second

	t.Cleanup(driver.stopAll)

	return &handlerEnv{users: users, driver: driver, owners: owners, reg: reg, root: dir}
}

// newTestRouter mirrors the route layout main.go builds.
func newTestRouter(env *handlerEnv) http.Handler {
	r := chi.NewRouter()

	r.Get("/login", LoginForm)
	r.Post("/login", LoginSubmit)
	r.Get("/logout", Logout)
	r.Get("/healthz", HealthCheck)
	r.Get("/terminal/{id}/ws", TerminalWS)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.RequireAuth(Tokens, AuthEnabled))
		pr.Get("/", Index)
		pr.Post("/session/new", CreateSession)
		pr.Post("/sessions/status", BatchSessionStatus)
		pr.Get("/my/sessions", MySessions)
		pr.With(middleware.RequireAdmin(env.users, AuthEnabled)).Get("/sessions", AdminSessions)
		pr.With(middleware.RequireOwner(Owners)).Get("/terminal/{id}", TerminalPage)
		pr.Route("/session/{id}", func(sr chi.Router) {
			sr.Use(middleware.RequireOwner(Owners))
			sr.Delete("/", DeleteSession)
			sr.Get("/status", SessionStatus)
			sr.Post("/upload", UploadFile)
			sr.Get("/files", ListFiles)
			sr.Get("/browse", BrowseFiles)
			sr.Get("/download", DownloadFile)
		})
	})

	return r
}

func startServer(t *testing.T, env *handlerEnv) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(newTestRouter(env))
	t.Cleanup(ts.Close)
	return ts
}

// sessionCookieFor mints a token directly; the login flow itself is
// covered in auth tests.
func sessionCookieFor(t *testing.T, username string) *http.Cookie {
	t.Helper()
	token, err := Tokens.Mint(username)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return &http.Cookie{Name: auth.TokenCookie, Value: token}
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createSessionFor(t *testing.T, env *handlerEnv, username string) registry.Info {
	t.Helper()
	info, err := env.reg.Create(context.Background(), username)
	if err != nil {
		t.Fatalf("create session for %s: %v", username, err)
	}
	return info
}
