package privateapps

import (
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/logging"
)

// LoginPath is the reserved session-cookie setter used by the private-app
// flow after the auth module completes.
const LoginPath = "/.well-known/otoroshi/login"

// LogoutPath clears the session cookie and destroys the session.
const LogoutPath = "/.well-known/otoroshi/logout"

// Handler serves the well-known login/logout endpoints.
type Handler struct {
	sessions *SessionStore
}

// NewHandler creates the endpoint handler.
func NewHandler(sessions *SessionStore) *Handler {
	return &Handler{sessions: sessions}
}

// HandleLogin sets the session cookie from query parameters:
// sessionId, redirectTo, host, cp (cookie prefix suffix), ma (max-age seconds).
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	redirectTo := q.Get("redirectTo")
	host := q.Get("host")
	cp := q.Get("cp")
	ma := q.Get("ma")

	if sessionID == "" || redirectTo == "" || cp == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if _, ok := h.sessions.Get(sessionID); !ok {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectTo)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "invalid redirect", http.StatusBadRequest)
		return
	}

	maxAge := 86400
	if ma != "" {
		if parsed, err := strconv.Atoi(ma); err == nil && parsed > 0 {
			maxAge = parsed
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookiePrefix + cp,
		Value:    sessionID,
		Path:     "/",
		Domain:   host,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	logging.Debug("private app session cookie set",
		zap.String("cp", cp), zap.String("host", host))
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

// HandleLogout destroys the session named by the cookie suffix and expires
// the cookie.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cp := q.Get("cp")
	redirectTo := q.Get("redirectTo")
	if cp == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	if c, err := r.Cookie(CookiePrefix + cp); err == nil && c.Value != "" {
		h.sessions.Destroy(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookiePrefix + cp,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	if redirectTo != "" {
		http.Redirect(w, r, redirectTo, http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusOK)
}
