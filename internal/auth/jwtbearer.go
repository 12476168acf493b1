package auth

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/scopes"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// JWTBearerGrant is the RFC 7523 grant type.
	JWTBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// assertionMaxAge bounds how old an assertion's iat may be.
	assertionMaxAge = time.Hour

	// assertionLeeway absorbs clock skew between immers.
	assertionLeeway = 30 * time.Second
)

var assertionMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// assertionClaims is the JWT-bearer assertion body.
type assertionClaims struct {
	jwt.RegisteredClaims
	Scope  string `json:"scope"`
	Origin string `json:"origin,omitempty"`
}

// assertionGrant is what a verified assertion authorizes.
type assertionGrant struct {
	User   *models.User
	Scope  []string
	Origin string
}

// parsePublicKey accepts an RSA, ECDSA or Ed25519 public key in PEM form.
func parsePublicKey(pemData string) (crypto.PublicKey, error) {
	b := []byte(pemData)

	if k, err := jwt.ParseRSAPublicKeyFromPEM(b); err == nil {
		return k, nil
	}

	if k, err := jwt.ParseECPublicKeyFromPEM(b); err == nil {
		return k, nil
	}

	if k, err := jwt.ParseEdPublicKeyFromPEM(b); err == nil {
		return k, nil
	}

	return nil, errors.New("unsupported or malformed public key")
}

// verifyAssertion checks a JWT-bearer assertion from client. Denials carry
// a reason for logs only; callers must not echo it.
func (s *Server) verifyAssertion(client *models.OAuthClient, assertion string) apperrors.Result[assertionGrant] {
	key, err := parsePublicKey(client.JWTPublicKeyPEM)
	if err != nil {
		return apperrors.Deny[assertionGrant]("client public key: " + err.Error())
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(assertionMethods),
		jwt.WithAudience(s.cfg.OAuthIdentifier),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(assertionLeeway),
		jwt.WithTimeFunc(s.now),
	)

	var claims assertionClaims

	_, err = parser.ParseWithClaims(assertion, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return apperrors.Deny[assertionGrant]("assertion: " + err.Error())
	}

	if claims.IssuedAt == nil {
		return apperrors.Deny[assertionGrant]("assertion: missing iat")
	}

	if age := s.now().Sub(claims.IssuedAt.Time); age > assertionMaxAge {
		return apperrors.Deny[assertionGrant](fmt.Sprintf("assertion: too old (%s)", age.Round(time.Second)))
	}

	h, err := handle.Parse(claims.Subject)
	if err != nil {
		return apperrors.Deny[assertionGrant]("assertion: malformed sub")
	}

	if h.Domain != s.cfg.Domain {
		return apperrors.Deny[assertionGrant]("assertion: sub " + h.String() + " is not local")
	}

	user, err := s.store.UserByUsername(h.Username)
	if err != nil {
		return apperrors.Fail[assertionGrant](err)
	}

	if user == nil {
		return apperrors.Deny[assertionGrant]("assertion: sub user not found")
	}

	scope := scopes.Parse(claims.Scope)
	if len(scope) == 0 {
		return apperrors.Deny[assertionGrant]("assertion: empty scope")
	}

	return apperrors.Succeed(assertionGrant{
		User:   user,
		Scope:  scope,
		Origin: assertionOrigin(client, claims.Origin),
	})
}

// assertionOrigin uses the origin claim when it matches one of the
// client's registered redirect origins, otherwise the first registered one.
func assertionOrigin(client *models.OAuthClient, claimed string) string {
	if claimed != "" && validateRedirectURI(client, claimed) {
		return originOf(claimed)
	}

	if len(client.RedirectURIs) > 0 {
		return originOf(client.RedirectURIs[0])
	}

	return ""
}
