package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/ownership"
	"github.com/termgate/termgate/internal/registry"
)

// Owners is set from main.go during init.
var Owners *ownership.Store

// KeepaliveInterval and KeepaliveTimeout are set from main.go during init.
var (
	KeepaliveInterval = 20 * time.Second
	KeepaliveTimeout  = 20 * time.Second
)

// ttydSubprotocol is the WebSocket subprotocol the in-container daemon
// requires on both legs of the bridge.
const ttydSubprotocol = "tty"

const bridgeReadLimit = 1024 * 1024

// Close codes for failures detected after the upgrade. The browser
// WebSocket API cannot see HTTP statuses, so the bridge accepts first and
// closes with a code the page can act on.
const (
	closeUnauthenticated = 4001
	closeForbidden       = 4003
	closeNotFound        = 4404
	closePendingDelete   = 4409
	closeUpstreamFailed  = 4502
)

type terminalPage struct {
	SessionID string
	Label     string
}

func TerminalPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	renderPage(w, http.StatusOK, "terminal.html", terminalPage{
		SessionID: id,
		Label:     shortLabel(id),
	})
}

// offersSubprotocol reports whether the upgrade request lists the given
// subprotocol.
func offersSubprotocol(r *http.Request, want string) bool {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if strings.TrimSpace(p) == want {
				return true
			}
		}
	}
	return false
}

// TerminalWS bridges a browser WebSocket to the session's in-container
// terminal daemon. It is mounted outside the auth middleware: the checks
// run here, after the upgrade, so failures reach the browser as close
// codes instead of HTTP statuses it cannot observe.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !offersSubprotocol(r, ttydSubprotocol) {
		http.Error(w, "tty subprotocol required", http.StatusBadRequest)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{ttydSubprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()

	username := middleware.AnonymousUser
	if AuthEnabled {
		cookie, err := r.Cookie(auth.TokenCookie)
		if err != nil {
			clientConn.Close(closeUnauthenticated, "Authentication required")
			return
		}
		username, err = Tokens.Resolve(cookie.Value)
		if err != nil {
			clientConn.Close(closeUnauthenticated, "Authentication required")
			return
		}
	}

	owner, ok := Owners.Get(id)
	if !ok {
		clientConn.Close(closeNotFound, "Session not found")
		return
	}
	if owner != username {
		clientConn.Close(closeForbidden, "Access denied")
		return
	}

	handle, err := Sessions.Acquire(id)
	if err != nil {
		if errors.Is(err, registry.ErrPendingDelete) {
			clientConn.Close(closePendingDelete, "Session is being deleted")
		} else {
			clientConn.Close(closeNotFound, "Session not found")
		}
		return
	}
	defer handle.Release()

	info := handle.Info()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	daemonURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", info.Port)
	daemonConn, _, err := websocket.Dial(dialCtx, daemonURL, &websocket.DialOptions{
		Subprotocols: []string{ttydSubprotocol},
	})
	if err != nil {
		log.Printf("Terminal daemon dial failed for session %s: %v", shortLabel(id), err)
		clientConn.Close(closeUpstreamFailed, "Cannot reach terminal daemon")
		return
	}
	defer daemonConn.CloseNow()

	log.Printf("Terminal attached: session=%s user=%s port=%d", shortLabel(id), username, info.Port)

	clientConn.SetReadLimit(bridgeReadLimit)
	daemonConn.SetReadLimit(bridgeReadLimit)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Keepalive on both legs. A missing pong ends the bridge.
	go func() {
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(relayCtx, KeepaliveTimeout)
				clientErr := clientConn.Ping(pingCtx)
				daemonErr := daemonConn.Ping(pingCtx)
				pingCancel()
				if clientErr != nil || daemonErr != nil {
					relayCancel()
					return
				}
			}
		}
	}()

	// Browser → daemon
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := daemonConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Daemon → browser
	func() {
		defer relayCancel()
		for {
			msgType, data, err := daemonConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	log.Printf("Terminal detached: session=%s user=%s", shortLabel(id), username)
	clientConn.Close(websocket.StatusNormalClosure, "")
	daemonConn.Close(websocket.StatusNormalClosure, "")
}
