// Package linking attaches identities vouched for by a peer to local
// accounts. A matching email alone never logs anyone in: an account that
// is not yet linked to the provider must first approve the link from its
// own mailbox.
package linking

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/federation"
	"github.com/alexjbarnes/immer-auth/internal/mail"
	"github.com/alexjbarnes/immer-auth/internal/metrics"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/session"
	"github.com/alexjbarnes/immer-auth/internal/state"
)

// DefaultApprovalTTL is how long an emailed approval link stays valid.
const DefaultApprovalTTL = time.Hour

const consumedPrefix = "merge:"

// Store is the persistence linking needs.
type Store interface {
	UserByEmail(email string) (*models.User, error)
	UserByUsername(username string) (*models.User, error)
	CreateUser(nu state.NewUser) (*models.User, error)
	AddOIDCProvider(userID, domain string) error
	ConsumeOnce(key string, expiresAt time.Time) (bool, error)
}

// Config holds the settings approval links depend on.
type Config struct {
	IssuerURL   string
	Name        string
	Secret      []byte
	ApprovalTTL time.Duration
}

// Outcome is where a federated login goes next.
type Outcome int

const (
	// LoggedIn means User can be logged in now.
	LoggedIn Outcome = iota + 1
	// NeedsAccount means no local account has the email; the user picks a
	// username on the interstitial.
	NeedsAccount
	// Pending means an approval email was sent and the link is unconfirmed.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case LoggedIn:
		return "logged_in"
	case NeedsAccount:
		return "needs_account"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Result is the outcome of Resolve or Finalize. Merge, when set, must be
// stashed in the browser session.
type Result struct {
	Outcome Outcome
	User    *models.User
	Merge   *session.Merge
}

// Service decides how a federated identity maps onto local accounts.
type Service struct {
	cfg     Config
	store   Store
	mailer  mail.Mailer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a linking service. m may be nil.
func NewService(cfg Config, store Store, mailer mail.Mailer, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalTTL
	}

	return &Service{
		cfg:     cfg,
		store:   store,
		mailer:  mailer,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve maps a verified identity onto a local account.
func (s *Service) Resolve(ctx context.Context, id *federation.Identity) (*Result, error) {
	if id == nil || id.Email == "" || id.ProviderDomain == "" {
		return nil, apperrors.ErrSessionExpired
	}

	user, err := s.store.UserByEmail(id.Email)
	if err != nil {
		return nil, err
	}

	if user == nil {
		return &Result{
			Outcome: NeedsAccount,
			Merge: &session.Merge{
				Authorized:     true,
				Email:          id.Email,
				ProviderDomain: id.ProviderDomain,
				ProviderName:   id.ProviderName,
			},
		}, nil
	}

	if user.HasProvider(id.ProviderDomain) {
		return &Result{Outcome: LoggedIn, User: user}, nil
	}

	if err := s.sendApproval(ctx, user, id); err != nil {
		return nil, err
	}

	return &Result{
		Outcome: Pending,
		Merge: &session.Merge{
			Email:          id.Email,
			ProviderDomain: id.ProviderDomain,
			ProviderName:   id.ProviderName,
			Username:       user.Username,
		},
	}, nil
}

// sendApproval mails the approval link to the address the account was
// registered with. id.Email hashed to the account's email, so it is that
// address.
func (s *Service) sendApproval(ctx context.Context, user *models.User, id *federation.Identity) error {
	link := s.ApprovalURL(user.Username, id.ProviderDomain)

	provider := id.ProviderName
	if provider == "" {
		provider = id.ProviderDomain
	}

	body := fmt.Sprintf(`Someone signed in to %s as %s using %s.

If this was you, open this link to link %s to your account:

%s

The link expires in %s. If this was not you, ignore this email and your
account will not be changed.
`, s.cfg.Name, user.Username, provider, provider, link, s.cfg.ApprovalTTL)

	if err := s.mailer.SendMail(ctx, id.Email, "Approve sign-in with "+provider, body); err != nil {
		return fmt.Errorf("sending approval mail: %w", err)
	}

	s.logger.Info("linking: approval mail sent",
		slog.String("user_id", user.ID),
		slog.String("provider", id.ProviderDomain),
	)

	return nil
}

// ApprovalURL returns a fresh approval link for linking provider to
// username.
func (s *Service) ApprovalURL(username, provider string) string {
	q := url.Values{}
	q.Set("username", username)
	q.Set("provider", provider)
	q.Set("token", s.approvalToken(username, provider, s.now().Add(s.cfg.ApprovalTTL)))

	return s.cfg.IssuerURL + "/auth/oidc-merge/approve?" + q.Encode()
}

// approvalToken is "<expiry unix>.<hex hmac>" with the HMAC taken over
// username|provider|expiry.
func (s *Service) approvalToken(username, provider string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	return exp + "." + hex.EncodeToString(s.mac(username, provider, exp))
}

func (s *Service) mac(username, provider, exp string) []byte {
	h := hmac.New(sha256.New, s.cfg.Secret)
	h.Write([]byte(username + "|" + provider + "|" + exp))

	return h.Sum(nil)
}

// checkToken verifies an approval token and returns its expiry.
func (s *Service) checkToken(username, provider, token string) (time.Time, error) {
	exp, sig, ok := strings.Cut(token, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: malformed approval token", apperrors.ErrInvalidToken)
	}

	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed approval expiry", apperrors.ErrInvalidToken)
	}

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(username, provider, exp)) {
		return time.Time{}, fmt.Errorf("%w: approval signature mismatch", apperrors.ErrInvalidToken)
	}

	expires := time.Unix(unix, 0)
	if !s.now().Before(expires) {
		return time.Time{}, fmt.Errorf("%w: approval link expired", apperrors.ErrInvalidToken)
	}

	return expires, nil
}

// Approve links provider to username when token is a valid, unused
// approval for that pair.
func (s *Service) Approve(_ context.Context, username, provider, token string) (*models.User, error) {
	user, err := s.approve(username, provider, token)
	if err != nil {
		result := metrics.ResultDenied
		if apperrors.KindOf(err) == apperrors.KindInternal {
			result = metrics.ResultFailure
		}

		s.metrics.MergeApproval(result)

		s.logger.Warn("linking: approval rejected",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	s.metrics.MergeApproval(metrics.ResultSuccess)
	s.logger.Info("linking: provider linked",
		slog.String("user_id", user.ID),
		slog.String("provider", provider),
	)

	return user, nil
}

func (s *Service) approve(username, provider, token string) (*models.User, error) {
	if username == "" || provider == "" || token == "" {
		return nil, fmt.Errorf("%w: incomplete approval link", apperrors.ErrInvalidToken)
	}

	expires, err := s.checkToken(username, provider, token)
	if err != nil {
		return nil, err
	}

	user, err := s.store.UserByUsername(username)
	if err != nil {
		return nil, err
	}

	if user == nil {
		return nil, fmt.Errorf("%w: approval for unknown account", apperrors.ErrInvalidToken)
	}

	first, err := s.store.ConsumeOnce(consumedPrefix+token, expires)
	if err != nil {
		return nil, err
	}

	if !first {
		return nil, fmt.Errorf("%w: approval link already used", apperrors.ErrInvalidToken)
	}

	if err := s.store.AddOIDCProvider(user.ID, provider); err != nil {
		return nil, err
	}

	user.OIDCProviders = append(user.OIDCProviders, provider)

	return user, nil
}

// Finalize re-reads the account a pending merge is waiting on.
// ErrMergePending means the approval link has not been used yet.
func (s *Service) Finalize(_ context.Context, pending *session.Merge) (*Result, error) {
	if pending == nil {
		return nil, apperrors.ErrSessionExpired
	}

	if pending.Username == "" {
		if pending.Authorized {
			return &Result{Outcome: NeedsAccount, Merge: pending}, nil
		}

		return nil, apperrors.ErrSessionExpired
	}

	user, err := s.store.UserByUsername(pending.Username)
	if err != nil {
		return nil, err
	}

	// The account must still own the email the peer asserted.
	if user == nil || user.EmailHash != state.HashEmail(pending.Email) {
		return nil, apperrors.ErrSessionExpired
	}

	if !user.HasProvider(pending.ProviderDomain) {
		return nil, apperrors.ErrMergePending
	}

	return &Result{Outcome: LoggedIn, User: user}, nil
}

// CreateAccount creates the local account for an identity whose email
// matched nobody, already linked to its provider. The email is a peer's
// claim, so the account is always an ordinary user; admins are promoted
// locally.
func (s *Service) CreateAccount(_ context.Context, pending *session.Merge, username string) (*models.User, error) {
	if pending == nil || !pending.Authorized || pending.Username != "" {
		return nil, apperrors.ErrSessionExpired
	}

	user, err := s.store.CreateUser(state.NewUser{
		Username:      strings.TrimSpace(username),
		Email:         pending.Email,
		Role:          models.RoleUser,
		OIDCProviders: []string{pending.ProviderDomain},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("linking: account created",
		slog.String("user_id", user.ID),
		slog.String("provider", pending.ProviderDomain),
	)

	return user, nil
}
