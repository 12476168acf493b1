package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tidwall/gjson"
)

const (
	// maxPeerResponse limits how much of a peer response is read.
	maxPeerResponse = 1 << 20

	issuerRel = "http://openid.net/specs/connect/1.0/issuer"
)

// issuerMetadata is the subset of an OIDC discovery document kept for a
// peer. Legacy peers only fill the endpoints.
type issuerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	Algorithms            []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// clientMetadata is this immer's registration at a peer (RFC 7591).
type clientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

func peerURL(domain, path string) string {
	return "https://" + domain + path
}

// discoverIssuer asks the peer's WebFinger endpoint for the OIDC issuer of
// acct:username@domain. An empty issuer with a nil error means the peer
// does not advertise OIDC.
func (c *Client) discoverIssuer(ctx context.Context, username, domain string) (string, error) {
	u := peerURL(domain, "/.well-known/webfinger?resource="+url.QueryEscape("acct:"+username+"@"+domain)+"&rel="+url.QueryEscape(issuerRel))

	status, body, err := c.do(ctx, http.MethodGet, u, "", nil)
	if err != nil {
		return "", err
	}

	if status == http.StatusNotFound || status == http.StatusNotImplemented {
		return "", nil
	}

	if status != http.StatusOK {
		return "", fmt.Errorf("%w: webfinger returned %d", apperrors.ErrPeerResponse, status)
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: webfinger response is not JSON", apperrors.ErrPeerResponse)
	}

	href := gjson.GetBytes(body, `links.#(rel=="`+issuerRel+`").href`).String()
	if href == "" {
		return "", nil
	}

	if iu, err := url.Parse(href); err != nil || iu.Scheme != "https" || iu.Host == "" {
		return "", fmt.Errorf("%w: webfinger issuer %q is not an https URL", apperrors.ErrPeerResponse, href)
	}

	return href, nil
}

// registerOIDC runs OIDC discovery against issuer and registers this
// immer dynamically.
func (c *Client) registerOIDC(ctx context.Context, domain, issuer string) (*models.RemoteClient, error) {
	provider, err := oidc.NewProvider(c.httpContext(ctx), issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: oidc discovery: %w", peerError(ctx), err)
	}

	var meta issuerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("%w: discovery document: %w", apperrors.ErrPeerResponse, err)
	}

	if meta.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: %s does not support dynamic client registration", apperrors.ErrPeerResponse, domain)
	}

	req := clientMetadata{
		ClientName:              c.cfg.Name,
		ClientURI:               c.cfg.IssuerURL,
		RedirectURIs:            []string{c.cfg.redirectURI()},
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "openid email profile",
	}

	status, body, err := c.postJSON(ctx, meta.RegistrationEndpoint, req)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("%w: registration returned %d", apperrors.ErrPeerResponse, status)
	}

	var registered clientMetadata
	if err := json.Unmarshal(body, &registered); err != nil || registered.ClientID == "" {
		return nil, fmt.Errorf("%w: registration response has no client_id", apperrors.ErrPeerResponse)
	}

	issuerJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	clientJSON, err := json.Marshal(registered)
	if err != nil {
		return nil, err
	}

	return &models.RemoteClient{
		Domain:         domain,
		Type:           models.RemoteTypeOIDC,
		Name:           domain,
		IssuerMetadata: issuerJSON,
		ClientMetadata: clientJSON,
		CreatedAt:      c.now(),
	}, nil
}

// registerLegacy posts this immer's client descriptor to the peer's
// /auth/client endpoint.
func (c *Client) registerLegacy(ctx context.Context, domain string) (*models.RemoteClient, error) {
	descriptor := map[string]any{
		"clientId":    c.cfg.OAuthIdentifier,
		"name":        c.cfg.Name,
		"redirectUri": []string{c.cfg.legacyRedirectURI()},
	}

	status, body, err := c.postJSON(ctx, peerURL(domain, "/auth/client"), descriptor)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("%w: legacy registration returned %d", apperrors.ErrPeerResponse, status)
	}

	if got := gjson.GetBytes(body, "clientId").String(); got != c.cfg.OAuthIdentifier {
		return nil, fmt.Errorf("%w: legacy registration echoed client %q", apperrors.ErrPeerResponse, got)
	}

	issuerJSON, err := json.Marshal(issuerMetadata{
		Issuer:                peerURL(domain, ""),
		AuthorizationEndpoint: peerURL(domain, "/auth/authorize"),
		TokenEndpoint:         peerURL(domain, "/auth/token"),
	})
	if err != nil {
		return nil, err
	}

	clientJSON, err := json.Marshal(clientMetadata{
		ClientID:     c.cfg.OAuthIdentifier,
		ClientName:   c.cfg.Name,
		RedirectURIs: []string{c.cfg.legacyRedirectURI()},
	})
	if err != nil {
		return nil, err
	}

	// The response echoes our own descriptor, so the peer is named by
	// its domain.
	return &models.RemoteClient{
		Domain:         domain,
		Type:           models.RemoteTypeImmers,
		Name:           domain,
		IssuerMetadata: issuerJSON,
		ClientMetadata: clientJSON,
		CreatedAt:      c.now(),
	}, nil
}

func (c *Client) postJSON(ctx context.Context, u string, v any) (int, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}

	return c.do(ctx, http.MethodPost, u, "application/json", bytes.NewReader(b))
}

// do performs one outbound request. Transport failures and timeouts are
// reported as ErrPeerUnreachable.
func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", apperrors.ErrPeerResponse, err)
	}

	req.Header.Set("Accept", "application/json")

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrPeerUnreachable, method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponse))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %w", apperrors.ErrPeerUnreachable, err)
	}

	return resp.StatusCode, data, nil
}

// peerError classifies a go-oidc failure, which does not distinguish
// transport errors from bad documents.
func peerError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.ErrPeerUnreachable
	}

	return apperrors.ErrPeerResponse
}
