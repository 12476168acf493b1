package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/scopes"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/tokens"
	"github.com/google/uuid"
)

// AnonymousClientID may request tokens without registering. Its tokens
// are bound to the origin of the redirect URI it presents and always go
// through consent.
const AnonymousClientID = "anonymous"

// validateRedirectURI checks that redirectURI shares scheme and host with
// one of the client's registered URIs. Paths are not compared so a
// registered app can return to any of its pages.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	origin := originOf(redirectURI)
	if origin == "" {
		return false
	}

	for _, registered := range client.RedirectURIs {
		if originOf(registered) == origin {
			return true
		}
	}

	return false
}

// resolveClient finds the client for an authorization request and checks
// the redirect URI against it. An empty redirectURI selects the client's
// only registered URI.
func (s *Server) resolveClient(clientID, redirectURI string) (*models.OAuthClient, string, error) {
	if clientID == "" {
		return nil, "", apperrors.ErrInvalidRequest
	}

	if clientID == AnonymousClientID {
		origin := originOf(redirectURI)
		if origin == "" || (!strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://")) {
			return nil, "", apperrors.ErrRedirectURI
		}

		return &models.OAuthClient{ClientID: AnonymousClientID, RedirectURIs: []string{origin}}, redirectURI, nil
	}

	client, err := s.store.GetClient(clientID)
	if err != nil {
		return nil, "", err
	}

	if client == nil {
		return nil, "", apperrors.ErrInvalidClient
	}

	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, "", apperrors.ErrRedirectURI
		}

		redirectURI = client.RedirectURIs[0]
	}

	if !validateRedirectURI(client, redirectURI) {
		return nil, "", apperrors.ErrRedirectURI
	}

	return client, redirectURI, nil
}

// HandleAuthorize returns the GET /auth/authorize handler.
func (s *Server) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		sess, ok := s.loadSession(w, r)
		if !ok {
			return
		}

		// Client and redirect URI are checked before anything is stored
		// so unknown clients never create a transaction.
		client, redirectURI, err := s.resolveClient(q.Get("client_id"), q.Get("redirect_uri"))
		if err != nil {
			s.logger.Debug("authorize: rejected client",
				slog.String("client_id", q.Get("client_id")),
				slog.String("error", err.Error()),
			)
			s.renderMessage(w, apperrors.KindOf(err).Status(), apperrors.PublicMessage(err))

			return
		}

		state := q.Get("state")

		if rt := q.Get("response_type"); rt != "" && rt != "token" {
			redirectWithError(w, r, redirectURI, state, "unsupported_response_type", `response_type must be "token"`)
			return
		}

		if sess.Data.UserID == "" {
			sess.Data.Next = r.URL.RequestURI()
			if !s.saveSession(w, r, sess) {
				return
			}

			login := "/auth/login"
			if me := q.Get("me"); me != "" {
				login += "?me=" + url.QueryEscape(me)
			}

			http.Redirect(w, r, login, http.StatusFound)

			return
		}

		user, err := s.store.UserByID(sess.Data.UserID)
		if err != nil || user == nil {
			s.logger.Warn("authorize: session user missing", slog.String("user_id", sess.Data.UserID))
			s.renderMessage(w, http.StatusBadRequest, apperrors.ErrSessionExpired.Error())

			return
		}

		if client.IsTrusted {
			s.grant(w, r, client, user.ID, redirectURI, state, []string{scopes.All}, metrics.GrantTrusted)
			return
		}

		requested := scopes.Parse(q.Get("scope"))
		tx := &session.Transaction{
			ID:          uuid.NewString(),
			ClientID:    client.ClientID,
			RedirectURI: redirectURI,
			State:       state,
			Scope:       requested,
			UserID:      user.ID,
			CreatedAt:   s.now(),
		}

		sess.Data.PruneTransactions(transactionExpiry, s.now())
		sess.Data.AddTransaction(tx)
		csrf := sess.CSRFToken()

		if !s.saveSession(w, r, sess) {
			return
		}

		s.render(w, http.StatusOK, "consent", consentData{
			Name:           s.cfg.Name,
			Username:       user.Username,
			ClientID:       client.ClientID,
			ClientName:     client.Name,
			RedirectOrigin: originOf(redirectURI),
			TransactionID:  tx.ID,
			CSRFToken:      csrf,
			Roles:          roleOptions(scopes.RoleFor(requested)),
		})
	}
}

func roleOptions(selected scopes.Role) []roleOption {
	descriptions := make(map[string]string)
	for _, sc := range scopes.Scopes() {
		descriptions[sc.Name] = sc.Description
	}

	var opts []roleOption

	for _, role := range scopes.Roles() {
		opt := roleOption{
			Name:     role.Name,
			Label:    role.Label,
			Scope:    role.String(),
			Selected: role.Name == selected.Name,
		}

		for _, name := range role.Scopes() {
			opt.Descriptions = append(opt.Descriptions, descriptions[name])
		}

		opts = append(opts, opt)
	}

	return opts
}

// HandleDecision returns the POST /auth/decision handler.
func (s *Server) HandleDecision() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
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

		tx := sess.Data.TakeTransaction(r.FormValue("transaction_id"), transactionExpiry, s.now())
		if !s.saveSession(w, r, sess) {
			return
		}

		if tx == nil || sess.Data.UserID == "" || tx.UserID != sess.Data.UserID {
			s.renderMessage(w, http.StatusBadRequest, apperrors.ErrSessionExpired.Error())
			return
		}

		client, redirectURI, err := s.resolveClient(tx.ClientID, tx.RedirectURI)
		if err != nil {
			s.logger.Warn("decision: client no longer valid",
				slog.String("client_id", tx.ClientID),
				slog.String("error", err.Error()),
			)
			s.renderMessage(w, apperrors.KindOf(err).Status(), apperrors.PublicMessage(err))

			return
		}

		res := decide(r.FormValue("cancel") != "", r.FormValue("scope"))

		switch res.Outcome {
		case apperrors.Denied:
			s.logger.Info("authorization denied",
				slog.String("client_id", client.ClientID),
				slog.String("user_id", tx.UserID),
				slog.String("reason", res.Reason),
			)

			code := "access_denied"
			if res.Reason != "user cancelled" {
				code = "invalid_scope"
			}

			redirectWithError(w, r, redirectURI, tx.State, code, res.Reason)
		default:
			s.grant(w, r, client, tx.UserID, redirectURI, tx.State, res.Value, metrics.GrantConsent)
		}
	}
}

// decide turns the consent form into the granted scope. The wildcard is
// reserved for trusted clients and cannot be chosen here.
func decide(cancelled bool, scopeField string) apperrors.Result[[]string] {
	if cancelled {
		return apperrors.Deny[[]string]("user cancelled")
	}

	granted := scopes.Parse(scopeField)
	if len(granted) == 0 {
		return apperrors.Deny[[]string]("no valid scope selected")
	}

	if granted[0] == scopes.All {
		return apperrors.Deny[[]string]("wildcard scope requires a trusted client")
	}

	return apperrors.Succeed(granted)
}

// grant issues a token and returns it to the client in the fragment.
func (s *Server) grant(w http.ResponseWriter, r *http.Request, client *models.OAuthClient, userID, redirectURI, state string, scope []string, grantLabel string) {
	issued, err := s.issue(r.Context(), client.ClientID, userID, scope, originOf(redirectURI))
	if err != nil {
		s.logger.Error("issuing token", slog.String("client_id", client.ClientID), slog.String("error", err.Error()))
		redirectWithError(w, r, redirectURI, state, "server_error", "could not issue token")

		return
	}

	s.metrics.TokenIssued(grantLabel)
	s.logger.Info("authorization granted",
		slog.String("client_id", client.ClientID),
		slog.String("user_id", userID),
		slog.String("grant", grantLabel),
	)

	params := url.Values{}
	params.Set("access_token", issued.Token)
	params.Set("token_type", issued.TokenType)
	params.Set("scope", strings.Join(issued.Scope, " "))
	params.Set("issuer", issued.Issuer)

	if state != "" {
		params.Set("state", state)
	}

	redirectWithFragment(w, r, redirectURI, params)
}

func (s *Server) issue(ctx context.Context, clientID, userID string, scope []string, origin string) (*tokens.Issued, error) {
	return s.tokens.Issue(ctx, tokens.IssueRequest{
		ClientID: clientID,
		UserID:   userID,
		Scope:    scope,
		Origin:   origin,
		Issuer:   s.cfg.IssuerURL,
	})
}
