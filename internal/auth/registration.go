package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
)

// ClientDescriptor is the body a peer immer posts to /auth/client to
// register itself, and the response it gets back.
type ClientDescriptor struct {
	ClientID    string   `json:"clientId"`
	Name        string   `json:"name"`
	RedirectURI []string `json:"redirectUri"`
	IsTrusted   bool     `json:"isTrusted"`
}

// HandleClientRegistration returns the POST /auth/client handler. Peers
// register as untrusted clients. Re-registering the same clientId with
// the same redirect origins returns the existing record.
func (s *Server) HandleClientRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req ClientDescriptor
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if msg := validateDescriptor(req); msg != "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", msg)
			return
		}

		existing, err := s.store.GetClient(req.ClientID)
		if err != nil {
			s.logger.Error("client registration: lookup", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		if existing != nil {
			s.respondExisting(w, existing, req)
			return
		}

		if !s.registrations.allow() {
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many registrations, try again later")
			return
		}

		if s.store.OAuthClientCount() >= maxClients {
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "client registration limit reached")
			return
		}

		created, err := s.store.CreateClient(models.OAuthClient{
			ClientID:     req.ClientID,
			Name:         req.Name,
			RedirectURIs: req.RedirectURI,
		})
		if errors.Is(err, apperrors.ErrDuplicate) {
			// Lost a race with a concurrent registration; use theirs.
			existing, err = s.store.GetClient(req.ClientID)
			if err == nil && existing != nil {
				s.respondExisting(w, existing, req)
				return
			}
		}

		if err != nil {
			s.logger.Error("client registration: create", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

			return
		}

		s.logger.Info("client registered",
			slog.String("client_id", created.ClientID),
			slog.String("ip", remoteIP(r)),
		)
		writeJSON(w, http.StatusCreated, descriptorFor(created))
	}
}

func (s *Server) respondExisting(w http.ResponseWriter, existing *models.OAuthClient, req ClientDescriptor) {
	if !sameOrigins(existing.RedirectURIs, req.RedirectURI) {
		writeJSONError(w, http.StatusConflict, "invalid_client_metadata", "client already registered with different redirect URIs")
		return
	}

	writeJSON(w, http.StatusOK, descriptorFor(existing))
}

// validateDescriptor requires an absolute https clientId and absolute
// https redirect URIs. A peer's hub may live on another host than its
// authorization server; the consent page shows the redirect origin.
func validateDescriptor(d ClientDescriptor) string {
	id, err := url.Parse(d.ClientID)
	if err != nil || id.Host == "" || (id.Scheme != "https" && !isLoopbackHost(id.Hostname())) {
		return "clientId must be an absolute https URL"
	}

	if len(d.RedirectURI) == 0 {
		return "redirectUri is required"
	}

	for _, ru := range d.RedirectURI {
		u, err := url.Parse(ru)
		if err != nil || u.Host == "" {
			return "redirectUri must be absolute"
		}

		if u.Scheme != "https" && (u.Scheme != "http" || !isLoopbackHost(u.Hostname())) {
			return "redirectUri must use https"
		}

		if u.Fragment != "" {
			return "redirectUri must not contain a fragment"
		}
	}

	return ""
}

// isLoopbackHost allows plain-HTTP peers during local development.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func sameOrigins(a, b []string) bool {
	origins := func(uris []string) []string {
		var out []string
		for _, u := range uris {
			if o := originOf(u); o != "" && !slices.Contains(out, o) {
				out = append(out, o)
			}
		}
		slices.Sort(out)

		return out
	}

	return slices.Equal(origins(a), origins(b))
}

func descriptorFor(c *models.OAuthClient) ClientDescriptor {
	return ClientDescriptor{
		ClientID:    c.ClientID,
		Name:        c.Name,
		RedirectURI: c.RedirectURIs,
		IsTrusted:   c.IsTrusted,
	}
}
