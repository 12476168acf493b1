// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"slices"
	"time"
)

// Roles a local user account can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a local account. Email is stored only as an irreversible hash.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"password_hash,omitempty"`
	EmailHash     string    `json:"email_hash"`
	Role          string    `json:"role"`
	OIDCProviders []string  `json:"oidc_providers,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasProvider reports whether the account is linked to the given provider domain.
func (u *User) HasProvider(domain string) bool {
	return slices.Contains(u.OIDCProviders, domain)
}

// OAuthClient is a relying party registered with this immer.
type OAuthClient struct {
	ID                     string   `json:"id"`
	ClientID               string   `json:"client_id"`
	Name                   string   `json:"name"`
	RedirectURIs           []string `json:"redirect_uris"`
	IsTrusted              bool     `json:"is_trusted"`
	CanControlUserAccounts bool     `json:"can_control_user_accounts"`
	JWTPublicKeyPEM        string   `json:"jwt_public_key_pem,omitempty"`
	SecretHash             string   `json:"secret_hash,omitempty"`
}

// RemoteClient types.
const (
	RemoteTypeImmers = "immers"
	RemoteTypeOIDC   = "oidc"
	RemoteTypeSAML   = "saml"
)

// RemoteClient is this immer's registration as a client of a peer.
type RemoteClient struct {
	Domain         string          `json:"domain"`
	Type           string          `json:"type"`
	Name           string          `json:"name,omitempty"`
	IssuerMetadata json.RawMessage `json:"issuer_metadata,omitempty"`
	ClientMetadata json.RawMessage `json:"client_metadata,omitempty"`
	ButtonIcon     string          `json:"button_icon,omitempty"`
	ButtonLabel    string          `json:"button_label,omitempty"`
	ShowButton     bool            `json:"show_button,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OAuthToken is an issued bearer token. Token holds the raw value only in
// memory; the store keys records by TokenHash and clears Token before writing.
type OAuthToken struct {
	Token     string    `json:"token,omitempty"`
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Origin    string    `json:"origin"`
	Issuer    string    `json:"issuer"`
	Scope     []string  `json:"scope"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *OAuthToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
