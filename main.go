package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/engine"
	"github.com/termgate/termgate/internal/handlers"
	"github.com/termgate/termgate/internal/logging"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/ownership"
	"github.com/termgate/termgate/internal/ports"
	"github.com/termgate/termgate/internal/registry"
	"golang.org/x/term"
)

const ownershipFile = "session_owners.json"

func main() {
	// Handle user management commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--add-user", "--remove-user", "--list-users", "--passwd":
			runUserCommand(os.Args[1])
			return
		}
	}

	config.Load()
	if err := config.Cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.Init()
	defer logging.Close()

	authEnabled := config.Cfg.AuthEnabled()

	var users *auth.Users
	if config.Cfg.AuthFile != "" {
		var err error
		users, err = auth.LoadUsers(config.Cfg.AuthFile)
		if err != nil {
			log.Fatalf("User file: %v", err)
		}
		users.WarnIfEmpty()
	}

	var directory auth.Authenticator
	if config.Cfg.DirectoryEnabled {
		directory = auth.NewDirectory(auth.DirectoryConfig{
			URL:           config.Cfg.DirectoryURL,
			StartTLS:      config.Cfg.DirectoryStartTLS,
			TLSSkipVerify: config.Cfg.DirectoryTLSSkipVerify,
			BindDN:        config.Cfg.DirectoryBindDN,
			BindPassword:  config.Cfg.DirectoryBindPassword,
			BaseDN:        config.Cfg.DirectoryBaseDN,
			UserFilter:    config.Cfg.DirectoryUserFilter,
			GroupFilter:   config.Cfg.DirectoryGroupFilter,
			GroupBaseDN:   config.Cfg.DirectoryGroupBaseDN,
			Timeout:       config.Cfg.DirectoryTimeout,
		})
		log.Printf("Directory authentication enabled (%s)", config.Cfg.DirectoryURL)
	}
	if !authEnabled {
		log.Printf("WARNING: authentication disabled; serving loopback-only as %q", middleware.AnonymousUser)
	}

	tokens := auth.NewTokenStore(time.Duration(config.Cfg.SessionTimeoutHours) * time.Hour)
	limiter := auth.NewLoginLimiter(5, 15*time.Minute)

	owners, err := ownership.Open(filepath.Join(config.Cfg.DataDir, ownershipFile))
	if err != nil {
		log.Fatalf("Ownership store: %v", err)
	}

	eng, err := engine.New(engine.Config{
		Host:     config.Cfg.DockerHost,
		Image:    config.Cfg.ContainerImage,
		Memory:   config.Cfg.ContainerMemory,
		CPUQuota: config.Cfg.ContainerCPUQuota,
	})
	if err != nil {
		log.Fatalf("Container engine: %v", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := eng.Ping(pingCtx); err != nil {
		log.Printf("WARNING: %v; session creation will fail until the engine is reachable", err)
	}
	cancelPing()

	// Image pulls can take minutes on a cold host; do not hold the
	// listener up for one.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := eng.EnsureImage(ctx); err != nil {
			log.Printf("WARNING: ensure image %s: %v", config.Cfg.ContainerImage, err)
		}
	}()

	reg := registry.New(eng, ports.New(config.Cfg.PortLo, config.Cfg.PortHi), owners, registry.Options{
		MaxPerUser:    config.Cfg.MaxSessionsPerUser,
		ReadyTimeout:  config.Cfg.ReadyTimeout,
		WorkspaceRoot: config.Cfg.WorkspaceRoot,
	})

	// Adopt containers that survived the previous run before accepting
	// requests, so their ports are marked taken and their owners resolve.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 2*time.Minute)
	reg.Recover(recoverCtx)
	cancelRecover()

	handlers.Sessions = reg
	handlers.Owners = owners
	handlers.Engine = eng
	handlers.Tokens = tokens
	handlers.Identity = auth.NewVerifier(users, directory)
	handlers.Limiter = limiter
	handlers.AuthEnabled = authEnabled
	handlers.MaxSessionsPerUser = config.Cfg.MaxSessionsPerUser
	handlers.KeepaliveInterval = config.Cfg.KeepaliveInterval
	handlers.KeepaliveTimeout = config.Cfg.KeepaliveTimeout

	// Token sweep goroutine
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			sweepAuth(tokens, limiter)
		}
	}()

	maintenance := startMaintenance(reg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Login pages and the health probe need no token. The bridge endpoint
	// authenticates after the WebSocket upgrade so the browser script sees
	// a close code instead of a bare HTTP status.
	r.Get("/login", handlers.LoginForm)
	r.Post("/login", handlers.LoginSubmit)
	r.Get("/logout", handlers.Logout)
	r.Get("/healthz", handlers.HealthCheck)
	r.Get("/terminal/{id}/ws", handlers.TerminalWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(tokens, authEnabled))

		r.Get("/", handlers.Index)
		r.Post("/session/new", handlers.CreateSession)
		r.Post("/sessions/status", handlers.BatchSessionStatus)
		r.Get("/my/sessions", handlers.MySessions)

		// Admin-only overview of every session
		r.With(middleware.RequireAdmin(users, authEnabled)).Get("/sessions", handlers.AdminSessions)

		r.With(middleware.RequireOwner(owners)).Get("/terminal/{id}", handlers.TerminalPage)

		r.Route("/session/{id}", func(r chi.Router) {
			r.Use(middleware.RequireOwner(owners))

			r.Delete("/", handlers.DeleteSession)
			r.Get("/status", handlers.SessionStatus)
			r.Post("/upload", handlers.UploadFile)
			r.Get("/files", handlers.ListFiles)
			r.Get("/browse", handlers.BrowseFiles)
			r.Get("/download", handlers.DownloadFile)
		})
	})

	addr := net.JoinHostPort(config.Cfg.BindHost, strconv.Itoa(config.Cfg.BindPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s (auth enabled: %v)", addr, authEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Let an in-flight maintenance pass finish; each job bounds itself
	// with its own context.
	<-maintenance.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// runUserCommand edits the local user file and exits. The listener and the
// containers are never touched; a running server picks the change up only
// after a restart.
func runUserCommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password (prompted when omitted)")
	admin := fs.Bool("admin", false, "Grant the admin role (--add-user only)")
	fs.Parse(os.Args[2:])

	config.Load()
	if config.Cfg.AuthFile == "" {
		fmt.Fprintln(os.Stderr, "AUTH_FILE is not set; user management needs a local user file.")
		os.Exit(1)
	}
	users, err := auth.LoadUsers(config.Cfg.AuthFile)
	if err != nil {
		log.Fatalf("User file: %v", err)
	}

	if command != "--list-users" && *username == "" {
		fmt.Fprintf(os.Stderr, "Usage: termgate %s --username <user> [--password <pass>]\n", command)
		os.Exit(1)
	}

	switch command {
	case "--list-users":
		list := users.List()
		if len(list) == 0 {
			fmt.Println("No users in", config.Cfg.AuthFile)
			return
		}
		fmt.Printf("%-24s %-6s %s\n", "USERNAME", "ADMIN", "CREATED")
		for _, u := range list {
			role := "-"
			if u.Admin {
				role = "yes"
			}
			created := "-"
			if !u.CreatedAt.IsZero() {
				created = u.CreatedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %-6s %s\n", u.Username, role, created)
		}

	case "--add-user":
		pw := *password
		if pw == "" {
			pw = promptPassword(true)
		}
		if err := users.Add(*username, pw, *admin); err != nil {
			log.Fatalf("Add user: %v", err)
		}
		fmt.Printf("User '%s' added to %s.\n", *username, config.Cfg.AuthFile)

	case "--remove-user":
		if err := users.Remove(*username); err != nil {
			log.Fatalf("Remove user: %v", err)
		}
		fmt.Printf("User '%s' removed. Note: existing sessions stay valid until they expire.\n", *username)

	case "--passwd":
		pw := *password
		if pw == "" {
			pw = promptPassword(true)
		}
		if err := users.SetPassword(*username, pw); err != nil {
			log.Fatalf("Set password: %v", err)
		}
		fmt.Printf("Password updated for '%s'. Note: existing sessions stay valid until they expire.\n", *username)
	}
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(confirm bool) string {
	for {
		fmt.Fprint(os.Stderr, "Password: ")
		first, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("Read password: %v", err)
		}
		if len(first) < 4 {
			fmt.Fprintln(os.Stderr, "Password must be at least 4 characters.")
			continue
		}
		if confirm {
			fmt.Fprint(os.Stderr, "Confirm password: ")
			second, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				log.Fatalf("Read password: %v", err)
			}
			if string(first) != string(second) {
				fmt.Fprintln(os.Stderr, "Passwords do not match; try again.")
				continue
			}
		}
		return string(first)
	}
}
