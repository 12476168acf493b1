package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/scopes"
)

type contextKey int

const ctxToken contextKey = iota

// RequestToken returns the validated token from the context, or nil.
func RequestToken(ctx context.Context) *models.OAuthToken {
	v, _ := ctx.Value(ctxToken).(*models.OAuthToken)
	return v
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	if t := RequestToken(ctx); t != nil {
		return t.UserID
	}

	return ""
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(authz, "Bearer ")
}

// RequireToken returns middleware that validates Bearer tokens and puts
// the token record in the request context. Scope is not checked here;
// handlers call scopes.IsAuthorized for what they need.
func (s *Server) RequireToken() func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer realm="%s"`, s.cfg.Domain)
	wwwAuthInvalid := fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, s.cfg.Domain)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			raw := bearerToken(r)
			if raw == "" {
				s.logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			tok, err := s.tokens.Validate(r.Context(), raw)
			if err != nil {
				s.logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxToken, tok)))
		})
	}
}

type meResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Handle   string   `json:"handle"`
	Role     string   `json:"role"`
	Scope    []string `json:"scope"`
	Issuer   string   `json:"issuer"`
	Origin   string   `json:"origin,omitempty"`
}

// HandleMe returns the GET /auth/me handler. It must sit behind
// RequireToken and needs the viewProfile scope.
func (s *Server) HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := RequestToken(r.Context())
		if tok == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if !scopes.IsAuthorized([]string{scopes.ViewProfile}, tok.Scope) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="insufficient_scope", scope="%s"`, s.cfg.Domain, scopes.ViewProfile))
			writeJSONError(w, http.StatusForbidden, "insufficient_scope", "token lacks the viewProfile scope")

			return
		}

		user, err := s.store.UserByID(RequestUserID(r.Context()))
		if err != nil || user == nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}

		writeJSON(w, http.StatusOK, meResponse{
			ID:       user.ID,
			Username: user.Username,
			Handle:   handle.Handle{Username: user.Username, Domain: s.cfg.Domain}.String(),
			Role:     user.Role,
			Scope:    tok.Scope,
			Issuer:   tok.Issuer,
			Origin:   tok.Origin,
		})
	}
}

// CORS returns credentialed CORS middleware. Hub origins are always
// allowed. Any other origin is allowed only when the request carries a
// valid token whose recorded origin is exactly that origin. Preflights
// are answered for any origin because they carry no credentials; the
// actual response decides whether the browser may read it.
func (s *Server) CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				allowCredentialed(w, origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)

				return
			}

			if s.originAllowed(r, origin) {
				allowCredentialed(w, origin)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) originAllowed(r *http.Request, origin string) bool {
	if slices.Contains(s.cfg.HubOrigins, origin) {
		return true
	}

	if tok := RequestToken(r.Context()); tok != nil {
		return tok.Origin == origin
	}

	raw := bearerToken(r)
	if raw == "" {
		return false
	}

	tok, err := s.tokens.Validate(r.Context(), raw)

	return err == nil && tok.Origin == origin
}

func allowCredentialed(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

// PublicCORS allows any origin without credentials, for public read-only
// lookups that expose nothing tied to a session.
func PublicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)

			return
		}

		next.ServeHTTP(w, r)
	})
}
