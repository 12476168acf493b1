package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/state"
)

// HandleLogin returns the /auth/login handler. GET renders the form;
// POST checks the password and starts an authenticated session.
func (s *Server) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.showLogin(w, r, s.prefillUsername(r.URL.Query().Get("me")), "", http.StatusOK)
		case http.MethodPost:
			s.submitLogin(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// prefillUsername extracts the username from a "me" handle that a peer
// put on the authorize URL, when the handle names a local account.
func (s *Server) prefillUsername(me string) string {
	h, err := handle.Parse(me)
	if err != nil || h.Domain != s.cfg.Domain {
		return ""
	}

	return h.Username
}

func (s *Server) showLogin(w http.ResponseWriter, r *http.Request, username, errMsg string, status int) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	csrf := sess.CSRFToken()
	if !s.saveSession(w, r, sess) {
		return
	}

	s.render(w, status, "login", loginData{
		Name:      s.cfg.Name,
		CSRFToken: csrf,
		Username:  username,
		Error:     errMsg,
		Providers: s.providerButtons(),
	})
}

// providerButtons lists the peers an operator chose to show on the login
// page. A store failure only hides the buttons.
func (s *Server) providerButtons() []providerButton {
	remotes, err := s.store.LoginProviders()
	if err != nil {
		s.logger.Warn("login: listing providers", slog.String("error", err.Error()))
		return nil
	}

	out := make([]providerButton, 0, len(remotes))

	for _, rc := range remotes {
		label := rc.ButtonLabel
		if label == "" {
			label = rc.Domain
		}

		out = append(out, providerButton{Domain: rc.Domain, Label: label, Icon: rc.ButtonIcon})
	}

	slices.SortFunc(out, func(a, b providerButton) int { return strings.Compare(a.Label, b.Label) })

	return out
}

func (s *Server) submitLogin(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if s.limiter.check(ip) {
		s.logger.Warn("login: rate limited", slog.String("ip", ip))
		s.showLogin(w, r, "", "Too many failed attempts. Try again later.", http.StatusTooManyRequests)

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	if !sess.ValidCSRF(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))

	user, err := s.store.CheckPassword(username, r.FormValue("password"))
	if err != nil {
		if !errors.Is(err, apperrors.ErrInvalidCredentials) {
			s.logger.Error("login: checking password", slog.String("error", err.Error()))
		}

		s.limiter.record(ip)
		s.logger.Info("login: failed", slog.String("ip", ip), slog.String("username", username))
		s.showLogin(w, r, username, apperrors.ErrInvalidCredentials.Error(), http.StatusUnauthorized)

		return
	}

	s.startSession(w, r, sess, user)
}

// startSession logs user into sess and redirects to the page that sent
// them to log in.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, sess *session.Session, user *models.User) {
	next := sess.Data.TakeNext()

	if err := s.sessions.Login(r.Context(), w, sess, user.ID); err != nil {
		s.logger.Error("login: saving session", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	s.logger.Info("login", slog.String("user_id", user.ID), slog.String("ip", remoteIP(r)))
	http.Redirect(w, r, next, http.StatusFound)
}

// HandleLogout returns the POST /auth/logout handler.
func (s *Server) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}

		if err := s.sessions.Destroy(r.Context(), w, sess); err != nil {
			s.logger.Error("logout: destroying session", slog.String("error", err.Error()))
		}

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// HandleRegister returns the /auth/register handler for local signups.
func (s *Server) HandleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.showRegister(w, r, registerData{}, http.StatusOK)
		case http.MethodPost:
			s.submitRegister(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) showRegister(w http.ResponseWriter, r *http.Request, data registerData, status int) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	data.Name = s.cfg.Name
	data.CSRFToken = sess.CSRFToken()

	if !s.saveSession(w, r, sess) {
		return
	}

	s.render(w, status, "register", data)
}

func (s *Server) submitRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	if !sess.ValidCSRF(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	form := registerData{
		Username: strings.TrimSpace(r.FormValue("username")),
		Email:    strings.TrimSpace(r.FormValue("email")),
	}

	password := r.FormValue("password")
	if password == "" {
		form.Error = "Password is required."
		s.showRegister(w, r, form, http.StatusBadRequest)

		return
	}

	user, err := s.store.CreateUser(state.NewUser{
		Username: form.Username,
		Email:    form.Email,
		Password: password,
		Role:     s.roleForEmail(form.Email),
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal {
			s.logger.Error("register: creating user", slog.String("error", err.Error()))
		}

		form.Error = apperrors.PublicMessage(err)
		s.showRegister(w, r, form, apperrors.KindOf(err).Status())

		return
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID), slog.String("role", user.Role))
	s.startSession(w, r, sess, user)
}

// roleForEmail promotes the configured administrator address.
func (s *Server) roleForEmail(email string) string {
	if s.cfg.AdminEmail != "" && strings.EqualFold(strings.TrimSpace(email), s.cfg.AdminEmail) {
		return models.RoleAdmin
	}

	return models.RoleUser
}

// HandlePassword returns the POST /auth/password handler. The caller
// must be logged in and present the current password. Changing it
// revokes every token issued to the user.
func (s *Server) HandlePassword() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}

		if sess.Data.UserID == "" {
			writeJSONError(w, http.StatusUnauthorized, "login_required", "not logged in")
			return
		}

		if !sess.ValidCSRF(r.FormValue("csrf_token")) {
			writeJSONError(w, http.StatusForbidden, "invalid_request", "invalid or expired CSRF token")
			return
		}

		user, err := s.store.UserByID(sess.Data.UserID)
		if err != nil || user == nil {
			writeJSONError(w, http.StatusUnauthorized, "login_required", apperrors.ErrSessionExpired.Error())
			return
		}

		ip := remoteIP(r)
		if s.limiter.check(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many failed attempts")
			return
		}

		if _, err := s.store.CheckPassword(user.Username, r.FormValue("current_password")); err != nil {
			s.limiter.record(ip)
			writeJSONError(w, http.StatusForbidden, "access_denied", apperrors.ErrInvalidCredentials.Error())

			return
		}

		if err := s.store.SetPassword(user.ID, r.FormValue("new_password")); err != nil {
			writeJSONError(w, apperrors.KindOf(err).Status(), "invalid_request", apperrors.PublicMessage(err))
			return
		}

		revoked, err := s.tokens.RevokeUser(r.Context(), user.ID)
		if err != nil {
			s.logger.Error("password: revoking tokens", slog.String("user_id", user.ID), slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		s.logger.Info("password changed", slog.String("user_id", user.ID), slog.Int("revoked", revoked))
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleUnlinkProvider returns the POST /auth/providers/unlink handler.
// It removes a linked home immer from the logged-in account. The last
// provider of an account without a password cannot be removed, since
// nothing would be left to sign in with.
func (s *Server) HandleUnlinkProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}

		if sess.Data.UserID == "" {
			writeJSONError(w, http.StatusUnauthorized, "login_required", "not logged in")
			return
		}

		if !sess.ValidCSRF(r.FormValue("csrf_token")) {
			writeJSONError(w, http.StatusForbidden, "invalid_request", "invalid or expired CSRF token")
			return
		}

		user, err := s.store.UserByID(sess.Data.UserID)
		if err != nil || user == nil {
			writeJSONError(w, http.StatusUnauthorized, "login_required", apperrors.ErrSessionExpired.Error())
			return
		}

		provider := strings.TrimSpace(r.FormValue("provider"))
		if !user.HasProvider(provider) {
			writeJSONError(w, http.StatusNotFound, "invalid_request", "provider is not linked to this account")
			return
		}

		if user.PasswordHash == "" && len(user.OIDCProviders) == 1 {
			writeJSONError(w, http.StatusConflict, "invalid_request", "set a password before removing your only sign-in provider")
			return
		}

		if err := s.store.RemoveOIDCProvider(user.ID, provider); err != nil {
			s.logger.Error("unlink: removing provider", slog.String("user_id", user.ID), slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		s.logger.Info("provider unlinked", slog.String("user_id", user.ID), slog.String("provider", provider))
		w.WriteHeader(http.StatusNoContent)
	}
}
