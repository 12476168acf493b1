package auth

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/immer-auth/internal/scopes"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func (s *Server) HandleServerMetadata() http.HandlerFunc {
	var names []string
	for _, sc := range scopes.Scopes() {
		names = append(names, sc.Name)
	}

	meta := ServerMetadata{
		Issuer:                            s.cfg.IssuerURL,
		AuthorizationEndpoint:             s.cfg.IssuerURL + "/auth/authorize",
		TokenEndpoint:                     s.cfg.IssuerURL + "/auth/token",
		ScopesSupported:                   append(names, scopes.All),
		ResponseTypesSupported:            []string{"token"},
		GrantTypesSupported:               []string{"implicit", JWTBearerGrant},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post", "client_secret_basic"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
