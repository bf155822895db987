package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/ownership"
)

type contextKey string

const userContextKey contextKey = "user"

// AnonymousUser owns everything when authentication is disabled. The
// server refuses to bind off-loopback in that mode.
const AnonymousUser = "__anonymous__"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth resolves the session cookie into a username on the
// request context. Browser navigation is redirected to the login page;
// API callers get a plain 401.
func RequireAuth(tokens *auth.TokenStore, authEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authEnabled {
				next.ServeHTTP(w, r.WithContext(withUser(r.Context(), AnonymousUser)))
				return
			}

			cookie, err := r.Cookie(auth.TokenCookie)
			if err != nil {
				rejectUnauthenticated(w, r)
				return
			}
			username, err := tokens.Resolve(cookie.Value)
			if err != nil {
				rejectUnauthenticated(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
		})
	}
}

func rejectUnauthenticated(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
}

// wantsHTML distinguishes page navigation from API and socket traffic.
func wantsHTML(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// RequireOwner is the ownership gate: the {id} route parameter must
// belong to the authenticated user. No record reads as 404 so session
// ids cannot be probed; a mismatch is 403.
func RequireOwner(owners *ownership.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := owners.Get(chi.URLParam(r, "id"))
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
				return
			}
			if owner != Username(r) {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin restricts a route to users flagged admin in the local
// user file. With authentication disabled the route is open; the server
// is loopback-only then.
func RequireAdmin(users *auth.Users, authEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authEnabled && (users == nil || !users.IsAdmin(Username(r))) {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userContextKey, username)
}

// Username returns the authenticated user from the request context,
// empty when the request never passed RequireAuth.
func Username(r *http.Request) string {
	username, _ := r.Context().Value(userContextKey).(string)
	return username
}

// WithUserForTest attaches a username to the request context, standing
// in for RequireAuth when handlers are exercised directly.
func WithUserForTest(r *http.Request, username string) *http.Request {
	return r.WithContext(withUser(r.Context(), username))
}
