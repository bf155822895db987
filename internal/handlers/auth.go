package handlers

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/termgate/termgate/internal/auth"
)

// Tokens is set from main.go during init.
var Tokens *auth.TokenStore

// Identity is set from main.go during init.
var Identity *auth.Verifier

// Limiter is set from main.go during init.
var Limiter *auth.LoginLimiter

// AuthEnabled mirrors the configuration. When false every request runs as
// the anonymous user and the login surface redirects home.
var AuthEnabled bool

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(Tokens.TTL().Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// isSafeRedirect accepts only same-site paths so the next parameter cannot
// bounce the browser to another host after login.
func isSafeRedirect(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

// clientAddr is the peer IP used as the rate-limit key. RemoteAddr has
// already been rewritten by the RealIP middleware for proxied requests.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type loginPage struct {
	Error string
	Next  string
}

func LoginForm(w http.ResponseWriter, r *http.Request) {
	if !AuthEnabled {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	next := r.URL.Query().Get("next")
	if !isSafeRedirect(next) {
		next = "/"
	}
	renderPage(w, http.StatusOK, "login.html", loginPage{Next: next})
}

func LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if !AuthEnabled {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	next := r.PostFormValue("next")
	if !isSafeRedirect(next) {
		next = "/"
	}

	addr := clientAddr(r)
	if wait, blocked := Limiter.Blocked(username, addr); blocked {
		minutes := int((wait + time.Minute - 1) / time.Minute)
		log.Printf("Login blocked for user %q from %s (rate limited)", username, addr)
		renderPage(w, http.StatusTooManyRequests, "login.html", loginPage{
			Error: fmt.Sprintf("Too many failed attempts. Try again in %d minute(s).", minutes),
			Next:  next,
		})
		return
	}

	switch err := Identity.Verify(r.Context(), username, password); {
	case err == nil:
	case errors.Is(err, auth.ErrUnavailable):
		log.Printf("Login for user %q failed: %v", username, err)
		renderPage(w, http.StatusServiceUnavailable, "login.html", loginPage{
			Error: "Authentication service unavailable. Try again later.",
			Next:  next,
		})
		return
	default:
		Limiter.RecordFailure(username, addr)
		remaining := Limiter.RemainingAttempts(username, addr)
		log.Printf("Failed login for user %q from %s (%d attempts remaining)", username, addr, remaining)
		// Same message whether the user exists or not.
		msg := "Invalid username or password."
		if remaining > 0 && remaining <= 2 {
			msg = fmt.Sprintf("%s %d attempt(s) remaining.", msg, remaining)
		}
		renderPage(w, http.StatusUnauthorized, "login.html", loginPage{Error: msg, Next: next})
		return
	}

	Limiter.ClearOnSuccess(username, addr)
	token, err := Tokens.Mint(username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session token")
		return
	}
	log.Printf("User %q logged in from %s", username, addr)
	setSessionCookie(w, r, token)
	http.Redirect(w, r, next, http.StatusFound)
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.TokenCookie); err == nil {
		Tokens.Revoke(cookie.Value)
	}
	clearSessionCookie(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}
