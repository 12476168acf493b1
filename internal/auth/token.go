package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
)

type tokenResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	Issuer    string   `json:"issuer"`
	Scope     []string `json:"scope"`
	ExpiresIn int      `json:"expires_in"`
}

// HandleToken returns the POST /auth/token handler. Only the JWT-bearer
// grant is supported.
func (s *Server) HandleToken() http.HandlerFunc {
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

		if r.FormValue("grant_type") != JWTBearerGrant {
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only "+JWTBearerGrant+" is supported")
			return
		}

		client, err := s.authenticateClient(r)
		if err != nil {
			s.logger.Debug("token: client authentication failed",
				slog.String("ip", remoteIP(r)),
				slog.String("error", err.Error()),
			)
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.Domain+`"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")

			return
		}

		if !client.CanControlUserAccounts || client.JWTPublicKeyPEM == "" {
			s.logger.Warn("token: client may not control accounts", slog.String("client_id", client.ClientID))
			writeJSONError(w, http.StatusForbidden, "unauthorized_client", apperrors.ErrAccountControl.Error())

			return
		}

		assertion := r.FormValue("assertion")
		if assertion == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "assertion is required")
			return
		}

		res := s.verifyAssertion(client, assertion)

		switch res.Outcome {
		case apperrors.Denied:
			s.logger.Info("token: assertion rejected",
				slog.String("client_id", client.ClientID),
				slog.String("reason", res.Reason),
			)
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "assertion rejected")

			return
		case apperrors.Failure:
			s.logger.Error("token: verifying assertion", slog.String("error", res.Err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		issued, err := s.issue(r.Context(), client.ClientID, res.Value.User.ID, res.Value.Scope, res.Value.Origin)
		if err != nil {
			s.logger.Error("token: issuing", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		s.metrics.TokenIssued(metrics.GrantJWTBearer)
		s.logger.Info("token: jwt-bearer grant",
			slog.String("client_id", client.ClientID),
			slog.String("user_id", res.Value.User.ID),
		)

		writeJSON(w, http.StatusOK, tokenResponse{
			Token:     issued.Token,
			TokenType: issued.TokenType,
			Issuer:    issued.Issuer,
			Scope:     issued.Scope,
			ExpiresIn: int(issued.ExpiresAt.Sub(s.now()).Seconds()),
		})
	}
}

// authenticateClient identifies the calling client by HTTP Basic, a form
// client_id, or a bearer token previously issued to that client. A
// client with a stored secret must present it; otherwise the signed
// assertion is its proof of identity.
func (s *Server) authenticateClient(r *http.Request) (*models.OAuthClient, error) {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		tok, err := s.tokens.Validate(r.Context(), strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			return nil, err
		}

		return s.lookupClient(tok.ClientID)
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		secret = r.FormValue("client_secret")
	}

	client, err := s.lookupClient(clientID)
	if err != nil {
		return nil, err
	}

	if client.SecretHash != "" {
		h := sha256.Sum256([]byte(secret))
		if subtle.ConstantTimeCompare([]byte(client.SecretHash), []byte(hex.EncodeToString(h[:]))) != 1 {
			return nil, apperrors.ErrInvalidClient
		}
	}

	return client, nil
}

func (s *Server) lookupClient(clientID string) (*models.OAuthClient, error) {
	if clientID == "" || clientID == AnonymousClientID {
		return nil, apperrors.ErrInvalidClient
	}

	client, err := s.store.GetClient(clientID)
	if err != nil {
		return nil, err
	}

	if client == nil {
		return nil, apperrors.ErrInvalidClient
	}

	return client, nil
}
