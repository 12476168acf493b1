// Package federation logs users in through their home immer. Given a
// handle it decides whether the account is local, or discovers the peer
// (WebFinger, then OIDC discovery and dynamic registration, falling back
// to the legacy /auth/client exchange) and drives an authorization code
// flow with PKCE back to /auth/return. Legacy peers answer with an
// implicit grant delivered to the hub instead.
package federation

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/scopes"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds every outbound call made for one login.
	DefaultTimeout = 10 * time.Second

	// pendingMaxAge is how long a peer has to send the browser back.
	pendingMaxAge = 10 * time.Minute

	stateBytes = 16

	kindLocal = "local"
	kindPeer  = "peer"
)

var requestedScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// Store is the persistence the federation client needs.
type Store interface {
	GetRemoteClient(domain string) (*models.RemoteClient, error)
	InsertRemoteClient(rc models.RemoteClient) error
}

// Config is this immer's identity as presented to peers.
type Config struct {
	Domain          string
	Name            string
	IssuerURL       string
	OAuthIdentifier string
	Timeout         time.Duration

	// HubURL is where legacy peers send the browser back. They answer
	// with an implicit grant whose token sits in the URL fragment, which
	// only the hub front end can read. Defaults to IssuerURL.
	HubURL string
}

func (c Config) redirectURI() string {
	return c.IssuerURL + "/auth/return"
}

func (c Config) legacyRedirectURI() string {
	if c.HubURL != "" {
		return strings.TrimRight(c.HubURL, "/")
	}

	return c.IssuerURL
}

// Client discovers peers and runs the outbound login flow.
type Client struct {
	cfg        Config
	store      Store
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	registrations singleflight.Group
	now           func() time.Time
}

// NewClient creates a federation client. A nil httpClient uses one with
// the configured timeout. m may be nil.
func NewClient(cfg Config, store Store, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// StartResult tells the caller where the login continues. Pending must
// be stored in the browser session when set.
type StartResult struct {
	Local       bool
	RedirectURL string
	Pending     *session.Federation
}

// Identity is what a peer acting as an identity provider asserted.
type Identity struct {
	Email             string
	EmailVerified     bool
	Subject           string
	PreferredUsername string
	ProviderDomain    string
	ProviderName      string
}

// Start begins a login for username at homeDomain.
func (c *Client) Start(ctx context.Context, username, homeDomain string) (*StartResult, error) {
	domain := handle.NormalizeDomain(homeDomain)
	username = strings.TrimSpace(username)

	if username == "" || domain == "" {
		return nil, fmt.Errorf("%w: username and home immer are required", apperrors.ErrInvalidRequest)
	}

	if domain == c.cfg.Domain {
		c.metrics.FederationAttempt(kindLocal, metrics.ResultSuccess)
		return &StartResult{Local: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rc, err := c.remoteClient(ctx, username, domain)
	if err != nil {
		c.metrics.FederationAttempt(kindPeer, metrics.ResultFailure)
		c.logger.Warn("federation: peer setup failed",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	h := handle.Handle{Username: username, Domain: domain}

	var res *StartResult

	switch rc.Type {
	case models.RemoteTypeOIDC:
		res, err = c.startOIDC(ctx, rc, h)
	case models.RemoteTypeImmers:
		res, err = c.startLegacy(rc, h)
	default:
		err = fmt.Errorf("%w: remote client type %q", apperrors.ErrFullPeerUnsupported, rc.Type)
	}

	if err != nil {
		c.metrics.FederationAttempt(rc.Type, metrics.ResultFailure)
		return nil, err
	}

	c.metrics.FederationAttempt(rc.Type, metrics.ResultSuccess)
	c.logger.Info("federation: redirecting to peer",
		slog.String("domain", domain),
		slog.String("type", rc.Type),
	)

	return res, nil
}

// remoteClient returns the stored registration for domain, creating it on
// first use. Concurrent first logins for one domain share a single
// discovery; a registration stored by another process wins. The shared
// discovery runs detached from any one caller, bounded by the configured
// timeout, and each caller stops waiting when its own context ends.
func (c *Client) remoteClient(ctx context.Context, username, domain string) (*models.RemoteClient, error) {
	stored, err := c.store.GetRemoteClient(domain)
	if err != nil {
		return nil, err
	}

	if stored != nil {
		return stored, nil
	}

	ch := c.registrations.DoChan(domain, func() (any, error) {
		if stored, err := c.store.GetRemoteClient(domain); err != nil || stored != nil {
			return stored, err
		}

		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		rc, err := c.register(regCtx, username, domain)
		if err != nil {
			return nil, err
		}

		err = c.store.InsertRemoteClient(*rc)
		if errors.Is(err, apperrors.ErrDuplicate) {
			c.logger.Info("federation: peer registered concurrently, using stored record", slog.String("domain", domain))
			return c.store.GetRemoteClient(domain)
		}

		if err != nil {
			return nil, err
		}

		c.logger.Info("federation: registered with peer",
			slog.String("domain", domain),
			slog.String("type", rc.Type),
		)

		return rc, nil
	})

	var res singleflight.Result

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s: %w", apperrors.ErrPeerUnreachable, domain, ctx.Err())
	case res = <-ch:
	}

	if res.Err != nil {
		return nil, res.Err
	}

	rc, _ := res.Val.(*models.RemoteClient)
	if rc == nil {
		return nil, fmt.Errorf("%w: no registration for %s", apperrors.ErrPeerResponse, domain)
	}

	return rc, nil
}

// register discovers how to log in at domain and registers there.
func (c *Client) register(ctx context.Context, username, domain string) (*models.RemoteClient, error) {
	issuer, err := c.discoverIssuer(ctx, username, domain)
	if err != nil {
		return nil, err
	}

	if issuer == "" {
		return c.registerLegacy(ctx, domain)
	}

	return c.registerOIDC(ctx, domain, issuer)
}

func (c *Client) startOIDC(ctx context.Context, rc *models.RemoteClient, h handle.Handle) (*StartResult, error) {
	oc, _, err := c.oauthConfig(ctx, rc)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	state := randomState()

	authURL := oc.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("login_hint", h.Username),
	)

	return &StartResult{
		RedirectURL: authURL,
		Pending: &session.Federation{
			State:          state,
			CodeVerifier:   verifier,
			ProviderDomain: rc.Domain,
			CreatedAt:      c.now(),
		},
	}, nil
}

// startLegacy sends the browser to the peer's own authorization endpoint
// with the handle attached so the peer can pre-fill its login form.
func (c *Client) startLegacy(rc *models.RemoteClient, h handle.Handle) (*StartResult, error) {
	var meta issuerMetadata
	if err := json.Unmarshal(rc.IssuerMetadata, &meta); err != nil || meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("%w: stored metadata for %s is unusable", apperrors.ErrPeerResponse, rc.Domain)
	}

	q := url.Values{}
	q.Set("client_id", c.cfg.OAuthIdentifier)
	q.Set("redirect_uri", c.cfg.legacyRedirectURI())
	q.Set("response_type", "token")
	q.Set("me", h.String())

	return &StartResult{RedirectURL: meta.AuthorizationEndpoint + "?" + q.Encode()}, nil
}

// Return completes a login the peer has sent back. pending is the state
// taken from the session; it is consumed whether or not the exchange
// succeeds.
func (c *Client) Return(ctx context.Context, pending *session.Federation, code, state string) (*Identity, error) {
	if pending == nil || state == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return nil, apperrors.ErrSessionExpired
	}

	if c.now().Sub(pending.CreatedAt) > pendingMaxAge {
		return nil, apperrors.ErrSessionExpired
	}

	if code == "" {
		return nil, fmt.Errorf("%w: missing code", apperrors.ErrInvalidRequest)
	}

	rc, err := c.store.GetRemoteClient(pending.ProviderDomain)
	if err != nil {
		return nil, err
	}

	if rc == nil {
		return nil, apperrors.ErrSessionExpired
	}

	if rc.Type != models.RemoteTypeOIDC {
		return nil, apperrors.ErrFullPeerUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	id, err := c.exchange(ctx, rc, pending, code)
	if err != nil {
		c.metrics.FederationAttempt(rc.Type, metrics.ResultFailure)
		return nil, err
	}

	c.metrics.FederationAttempt(rc.Type, metrics.ResultSuccess)

	return id, nil
}

func (c *Client) exchange(ctx context.Context, rc *models.RemoteClient, pending *session.Federation, code string) (*Identity, error) {
	oc, provider, err := c.oauthConfig(ctx, rc)
	if err != nil {
		return nil, err
	}

	tok, err := oc.Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		c.logger.Warn("federation: code exchange failed",
			slog.String("domain", rc.Domain),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: code exchange: %w", apperrors.ErrPeerResponse, err)
	}

	granted, _ := tok.Extra("scope").(string)
	if slices.Contains(strings.Fields(granted), scopes.ViewProfile) {
		c.logger.Warn("federation: peer granted immer scopes", slog.String("domain", rc.Domain))
		return nil, apperrors.ErrFullPeerUnsupported
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", apperrors.ErrPeerResponse)
	}

	idToken, err := provider.Verifier(&oidc.Config{ClientID: oc.ClientID}).Verify(c.httpContext(ctx), rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token: %w", apperrors.ErrPeerResponse, err)
	}

	var claims struct {
		Email             string `json:"email"`
		EmailVerified     *bool  `json:"email_verified"`
		PreferredUsername string `json:"preferred_username"`
	}

	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %w", apperrors.ErrPeerResponse, err)
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("%w: id_token has no email", apperrors.ErrPeerResponse)
	}

	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified by provider", apperrors.ErrAccessDenied)
	}

	name := rc.Name
	if name == "" {
		name = rc.Domain
	}

	return &Identity{
		Email:             claims.Email,
		EmailVerified:     claims.EmailVerified != nil,
		Subject:           idToken.Subject,
		PreferredUsername: claims.PreferredUsername,
		ProviderDomain:    rc.Domain,
		ProviderName:      name,
	}, nil
}

// oauthConfig rebuilds the provider and oauth2 settings from a stored
// registration without contacting the peer.
func (c *Client) oauthConfig(ctx context.Context, rc *models.RemoteClient) (*oauth2.Config, *oidc.Provider, error) {
	var (
		meta   issuerMetadata
		client clientMetadata
	)

	if err := json.Unmarshal(rc.IssuerMetadata, &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: stored issuer metadata: %w", apperrors.ErrPeerResponse, err)
	}

	if err := json.Unmarshal(rc.ClientMetadata, &client); err != nil || client.ClientID == "" {
		return nil, nil, fmt.Errorf("%w: stored client metadata for %s is unusable", apperrors.ErrPeerResponse, rc.Domain)
	}

	provider := (&oidc.ProviderConfig{
		IssuerURL:   meta.Issuer,
		AuthURL:     meta.AuthorizationEndpoint,
		TokenURL:    meta.TokenEndpoint,
		UserInfoURL: meta.UserInfoEndpoint,
		JWKSURL:     meta.JWKSURI,
		Algorithms:  meta.Algorithms,
	}).NewProvider(c.httpContext(ctx))

	endpoint := provider.Endpoint()
	if client.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  c.cfg.redirectURI(),
		Scopes:       requestedScopes,
	}, provider, nil
}

// httpContext carries the client's HTTP client to go-oidc and oauth2.
func (c *Client) httpContext(ctx context.Context) context.Context {
	ctx = oidc.ClientContext(ctx, c.httpClient)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func randomState() string {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
