package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cikgu/cikgu/internal/handler/views"
	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/identity"
	"github.com/cikgu/cikgu/internal/model"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
	nonceCookieName   = "oauth_nonce"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge int, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: httpOnly,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// csrfMiddleware implements double-submit tokens. Safe requests get a token
// cookie if they lack one; unsafe requests must echo the cookie value in the
// X-CSRF-Token header or the csrf_token form field.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		hasCookie := err == nil && cookie.Value != ""

		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			token := ""
			if hasCookie {
				token = cookie.Value
			} else {
				if token, err = generateCSRFToken(); err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				h.setCookie(w, csrfCookieName, token, 0, false)
			}
			next.ServeHTTP(w, r.WithContext(model.ContextWithCSRFToken(r.Context(), token)))
			return
		}

		if !hasCookie {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			h.forbidden(w, r, "csrf token missing")
			return
		}
		token := r.Header.Get(csrfHeaderName)
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if token == "" {
			slog.Warn("CSRF token missing", "path", r.URL.Path)
			h.forbidden(w, r, "csrf token missing")
			return
		}
		if len(token) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			h.forbidden(w, r, "invalid csrf token")
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithCSRFToken(r.Context(), cookie.Value)))
	})
}

// loadUser attaches the signed-in user, if any, to the request context.
func (h *Handler) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		authSess, err := h.store.LoginSession(r.Context(), cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if authSess == nil {
			next.ServeHTTP(w, r)
			return
		}
		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || !user.Active {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), user)))
	})
}

// requireAuth rejects requests without a signed-in user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			h.redirectToLogin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := currentUser(r)
			if user == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			slog.Warn("role check failed", "user", user.ID, "role", user.Role, "path", r.URL.Path)
			if isAPI(r) {
				writeJSON(w, http.StatusForbidden, apiResponse{Error: "forbidden"})
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			if err := views.ErrorPage(http.StatusForbidden, "ErrorForbidden").Render(r.Context(), w); err != nil {
				slog.Error("render error", "error", err)
			}
		})
	}
}

func (h *Handler) forbidden(w http.ResponseWriter, r *http.Request, msg string) {
	if isAPI(r) {
		writeJSON(w, http.StatusForbidden, apiResponse{Error: msg})
		return
	}
	http.Error(w, msg, http.StatusForbidden)
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if isAPI(r) {
		writeJSON(w, http.StatusUnauthorized, apiResponse{Error: "authentication required"})
		return
	}
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/login")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if currentUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, views.LoginPage(views.LoginData{GoogleEnabled: h.identity != nil}))
}

func (h *Handler) renderLoginError(w http.ResponseWriter, r *http.Request, msgID string) {
	h.render(w, r, http.StatusUnauthorized, views.LoginPage(views.LoginData{
		Error:         i18n.T(r.Context(), msgID),
		GoogleEnabled: h.identity != nil,
	}))
}

// handleLogin signs in local accounts, which carry a bcrypt password hash.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")

	user, err := h.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		h.renderLoginError(w, r, "LoginFailed")
		return
	}
	if user == nil || user.PasswordHash == "" {
		h.metrics.Logins.WithLabelValues("local", "failed").Inc()
		h.renderLoginError(w, r, "InvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		h.metrics.Logins.WithLabelValues("local", "failed").Inc()
		h.renderLoginError(w, r, "InvalidCredentials")
		return
	}
	if !user.Active {
		h.metrics.Logins.WithLabelValues("local", "failed").Inc()
		h.renderLoginError(w, r, "AccountDisabled")
		return
	}
	if err := h.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		slog.Warn("failed to update last login", "user", user.ID, "error", err)
	}
	if err := h.startSession(w, r, user.ID); err != nil {
		slog.Error("failed to create auth session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.metrics.Logins.WithLabelValues("local", "ok").Inc()
	slog.Info("user logged in", "user", user.ID, "method", "local")
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, userID int64) error {
	token, err := h.store.NewLoginSession(r.Context(), userID)
	if err != nil {
		return err
	}
	h.setCookie(w, sessionCookieName, token, 0, true)
	return nil
}

// handleGoogleLogin starts the authorization code flow. The state parameter is
// a signed token whose nonce must match the nonce cookie on callback.
func (h *Handler) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		h.renderError(w, r, &model.NotFoundError{Entity: "login provider", ID: "google"})
		return
	}
	state, nonce, err := h.states.Issue()
	if err != nil {
		slog.Error("failed to issue oauth state", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.setCookie(w, nonceCookieName, nonce, 600, true)
	http.Redirect(w, r, h.identity.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		h.renderError(w, r, &model.NotFoundError{Entity: "login provider", ID: "google"})
		return
	}
	h.setCookie(w, nonceCookieName, "", -1, true)

	fail := func(msgID string, err error) {
		slog.Warn("google login failed", "error", err)
		h.metrics.Logins.WithLabelValues("google", "failed").Inc()
		h.renderLoginError(w, r, msgID)
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		fail("LoginFailed", &model.AuthenticationError{Msg: "provider returned " + e})
		return
	}
	nonce := ""
	if c, err := r.Cookie(nonceCookieName); err == nil {
		nonce = c.Value
	}
	if err := h.states.Verify(q.Get("state"), nonce); err != nil {
		fail("LoginFailed", err)
		return
	}
	profile, err := h.identity.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		fail("LoginFailed", err)
		return
	}
	user, err := identity.ResolveOrCreateUser(r.Context(), h.store, profile)
	if err != nil {
		if model.IsAuthentication(err) {
			fail("AccountDisabled", err)
			return
		}
		fail("LoginFailed", err)
		return
	}
	if err := h.startSession(w, r, user.ID); err != nil {
		slog.Error("failed to create auth session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.metrics.Logins.WithLabelValues("google", "ok").Inc()
	slog.Info("user logged in", "user", user.ID, "method", "google")
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.EndLoginSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}
	h.setCookie(w, sessionCookieName, "", -1, true)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
