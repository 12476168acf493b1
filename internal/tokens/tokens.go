// Package tokens issues and validates opaque bearer tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/scopes"
	"github.com/alexjbarnes/immer-auth/internal/state"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour

	// tokenBytes is the number of random bytes in a token (256 bits).
	tokenBytes = 32

	tokenTypeBearer = "Bearer"
)

// Store is the persistence the token service needs.
type Store interface {
	SaveToken(t models.OAuthToken) error
	GetToken(tokenHash string) (*models.OAuthToken, error)
	RevokeUserTokens(userID string) (int, error)
}

// IssueRequest describes a successful grant.
type IssueRequest struct {
	ClientID string
	UserID   string
	Scope    []string
	Origin   string
	Issuer   string
}

// Issued is returned to the client. Token is the only copy of the raw value.
type Issued struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	Issuer    string    `json:"issuer"`
	Scope     []string  `json:"scope"`
	ExpiresAt time.Time `json:"-"`
}

// Service issues, validates and revokes tokens.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a token service. A zero ttl uses DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Service{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Issue generates a random token, persists it with an absolute expiry and
// returns it. Unknown scope names are dropped; an empty result is refused.
func (s *Service) Issue(_ context.Context, req IssueRequest) (*Issued, error) {
	scope := scopes.Normalize(req.Scope)
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: no valid scope", apperrors.ErrInvalidRequest)
	}

	raw, err := randomToken()
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.ttl)

	err = s.store.SaveToken(models.OAuthToken{
		TokenHash: state.HashToken(raw),
		UserID:    req.UserID,
		ClientID:  req.ClientID,
		Origin:    req.Origin,
		Issuer:    req.Issuer,
		Scope:     scope,
		TokenType: tokenTypeBearer,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}

	s.logger.Debug("token issued",
		slog.String("user_id", req.UserID),
		slog.String("client_id", req.ClientID),
		slog.String("origin", req.Origin),
		slog.Any("scope", scope),
	)

	return &Issued{
		Token:     raw,
		TokenType: tokenTypeBearer,
		Issuer:    req.Issuer,
		Scope:     scope,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate looks a token up. Every failure, including store errors,
// returns ErrInvalidToken so callers cannot tell absent from expired.
func (s *Service) Validate(_ context.Context, token string) (*models.OAuthToken, error) {
	if token == "" {
		return nil, apperrors.ErrInvalidToken
	}

	t, err := s.store.GetToken(state.HashToken(token))
	if err != nil {
		s.logger.Warn("token lookup failed", slog.String("error", err.Error()))
		return nil, apperrors.ErrInvalidToken
	}

	if t == nil || t.Expired(s.now()) {
		return nil, apperrors.ErrInvalidToken
	}

	return t, nil
}

// RevokeUser deletes every live token for the user.
func (s *Service) RevokeUser(_ context.Context, userID string) (int, error) {
	return s.store.RevokeUserTokens(userID)
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	return hex.EncodeToString(b), nil
}
