package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	// CookieName is the browser cookie carrying the session id.
	CookieName = "immer_session"

	// idBytes is the number of random bytes in a session id.
	idBytes = 32

	csrfBytes = 16
)

// Session is one loaded browser session.
type Session struct {
	ID   string
	Data *Data
}

// Manager maps requests to sessions through the session cookie.
type Manager struct {
	store  Store
	ttl    time.Duration
	secure bool
	logger *slog.Logger
}

// NewManager creates a manager. secure sets the Secure cookie attribute
// and should only be false for plain-HTTP development.
func NewManager(store Store, ttl time.Duration, secure bool, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{store: store, ttl: ttl, secure: secure, logger: logger}
}

// Get loads the request's session. A missing cookie or an unknown id
// yields a fresh, unsaved session.
func (m *Manager) Get(r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err == nil && c.Value != "" {
		d, err := m.store.Load(r.Context(), c.Value)
		if err != nil {
			return nil, err
		}

		if d != nil {
			return &Session{ID: c.Value, Data: d}, nil
		}
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	return &Session{ID: id, Data: &Data{}}, nil
}

// Save persists the session and refreshes the cookie.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if err := m.store.Save(ctx, s.ID, s.Data, m.ttl); err != nil {
		return err
	}

	http.SetCookie(w, m.cookie(s.ID, int(m.ttl.Seconds())))

	return nil
}

// Rotate moves the session to a new id. Call it whenever the session's
// privilege changes so a pre-login id cannot be fixed by an attacker.
func (m *Manager) Rotate(ctx context.Context, w http.ResponseWriter, s *Session) error {
	old := s.ID

	id, err := newID()
	if err != nil {
		return err
	}

	s.ID = id

	if err := m.Save(ctx, w, s); err != nil {
		return err
	}

	if err := m.store.Delete(ctx, old); err != nil {
		m.logger.Warn("deleting rotated session", slog.String("error", err.Error()))
	}

	return nil
}

// Login marks the session as belonging to userID and rotates its id.
func (m *Manager) Login(ctx context.Context, w http.ResponseWriter, s *Session, userID string) error {
	s.Data.UserID = userID
	s.Data.Merge = nil
	s.Data.Federation = nil

	return m.Rotate(ctx, w, s)
}

// Destroy deletes the session and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	http.SetCookie(w, m.cookie("", -1))
	s.Data = &Data{}

	return m.store.Delete(ctx, s.ID)
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// CSRFToken returns the session's form token, creating one if needed.
// The caller saves the session.
func (s *Session) CSRFToken() string {
	if s.Data.CSRF == "" {
		b := make([]byte, csrfBytes)
		if _, err := rand.Read(b); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}

		s.Data.CSRF = hex.EncodeToString(b)
	}

	return s.Data.CSRF
}

// ValidCSRF compares a submitted form token with the session's.
func (s *Session) ValidCSRF(token string) bool {
	want := s.Data.CSRF
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
