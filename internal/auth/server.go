package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/tokens"
)

const (
	// maxRequestBody limits form and JSON bodies.
	maxRequestBody = 64 << 10

	// transactionExpiry bounds how long a consent prompt stays answerable.
	transactionExpiry = 10 * time.Minute
)

// Config is the identity of this immer as the authorization server sees it.
type Config struct {
	Domain          string
	Name            string
	IssuerURL       string
	OAuthIdentifier string
	HubOrigins      []string
	AdminEmail      string
}

// Server holds the dependencies shared by every auth handler.
type Server struct {
	cfg      Config
	store    Store
	tokens   *tokens.Service
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger

	limiter       *loginRateLimiter
	registrations *registrationLimiter
	now           func() time.Time
}

// NewServer wires an authorization server. m may be nil.
func NewServer(cfg Config, store Store, tok *tokens.Service, sessions *session.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		store:         store,
		tokens:        tok,
		sessions:      sessions,
		metrics:       m,
		logger:        logger,
		limiter:       newLoginRateLimiter(),
		registrations: &registrationLimiter{},
		now:           time.Now,
	}
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// setPageHeaders applies the headers every HTML page carries.
func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
}

// originOf returns scheme://host[:port] of an absolute URL, or "".
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// redirectWithFragment sends the browser to redirectURI with params in the
// URL fragment, replacing any fragment already present.
func redirectWithFragment(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	if i := strings.IndexByte(redirectURI, '#'); i >= 0 {
		redirectURI = redirectURI[:i]
	}

	http.Redirect(w, r, redirectURI+"#"+params.Encode(), http.StatusFound)
}

// redirectWithError reports an authorization error to the client per
// RFC 6749 Section 4.2.2.1. Only call it after the redirect URI has been
// validated against the client.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	redirectWithFragment(w, r, redirectURI, params)
}

// loadSession loads the request's session or writes a 500.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r)
	if err != nil {
		s.logger.Error("loading session", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return nil, false
	}

	return sess, true
}

// saveSession persists the session or writes a 500.
func (s *Server) saveSession(w http.ResponseWriter, r *http.Request, sess *session.Session) bool {
	if err := s.sessions.Save(r.Context(), w, sess); err != nil {
		s.logger.Error("saving session", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return false
	}

	return true
}
