package state

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// dummyHash is compared against when a user has no password so failed
// logins take the same time whether or not the account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

var folder = cases.Fold()

// FoldUsername returns the case-folded form used for uniqueness.
func FoldUsername(username string) string {
	return folder.String(strings.TrimSpace(username))
}

// ValidateUsername checks the allowed username alphabet and length.
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return apperrors.ErrInvalidUsername
	}

	return nil
}

// HashEmail returns the irreversible lookup key for an email address.
func HashEmail(email string) string {
	return hashHex(strings.ToLower(strings.TrimSpace(email)))
}

// NewUser holds the fields for CreateUser. Password is optional; accounts
// created through a federated identity have none until the user sets one.
type NewUser struct {
	Username      string
	Email         string
	Password      string
	Role          string
	OIDCProviders []string
}

// CreateUser inserts a user. The folded username and the email hash are
// each checked against their index inside the same transaction.
func (s *Store) CreateUser(nu NewUser) (*models.User, error) {
	if err := ValidateUsername(nu.Username); err != nil {
		return nil, err
	}

	if strings.TrimSpace(nu.Email) == "" {
		return nil, fmt.Errorf("%w: email is required", apperrors.ErrInvalidRequest)
	}

	u := &models.User{
		ID:            uuid.NewString(),
		Username:      nu.Username,
		EmailHash:     HashEmail(nu.Email),
		Role:          nu.Role,
		OIDCProviders: slices.Clone(nu.OIDCProviders),
		CreatedAt:     time.Now().UTC(),
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}

	if nu.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(nu.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}

		u.PasswordHash = string(hash)
	}

	folded := []byte(FoldUsername(nu.Username))

	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(usernameIndexBucket)
		if names.Get(folded) != nil {
			return apperrors.ErrUsernameTaken
		}

		emails := tx.Bucket(emailIndexBucket)
		if emails.Get([]byte(u.EmailHash)) != nil {
			return apperrors.ErrEmailTaken
		}

		if err := names.Put(folded, []byte(u.ID)); err != nil {
			return err
		}

		if err := emails.Put([]byte(u.EmailHash), []byte(u.ID)); err != nil {
			return err
		}

		return putJSON(tx.Bucket(usersBucket), []byte(u.ID), u)
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// UserByID returns a user, or nil if not found.
func (s *Store) UserByID(id string) (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getJSON[models.User](tx.Bucket(usersBucket), []byte(id))

		return err
	})

	return u, err
}

// UserByUsername returns a user by case-insensitive username, or nil.
func (s *Store) UserByUsername(username string) (*models.User, error) {
	return s.userByIndex(usernameIndexBucket, FoldUsername(username))
}

// UserByEmail returns the user registered with this email, or nil.
func (s *Store) UserByEmail(email string) (*models.User, error) {
	return s.userByIndex(emailIndexBucket, HashEmail(email))
}

func (s *Store) userByIndex(index []byte, key string) (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(index).Get([]byte(key))
		if id == nil {
			return nil
		}

		var err error
		u, err = getJSON[models.User](tx.Bucket(usersBucket), id)

		return err
	})

	return u, err
}

// CheckPassword returns the user when username and password match.
// Unknown users and password-less accounts fail the same way.
func (s *Store) CheckPassword(username, password string) (*models.User, error) {
	u, err := s.UserByUsername(username)
	if err != nil {
		return nil, err
	}

	hash := dummyHash
	if u != nil && u.PasswordHash != "" {
		hash = []byte(u.PasswordHash)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || u == nil || u.PasswordHash == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	return u, nil
}

// SetPassword replaces the user's password. Callers revoke the user's
// tokens through the token service.
func (s *Store) SetPassword(userID, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", apperrors.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return updateUser(tx, userID, func(u *models.User) {
			u.PasswordHash = string(hash)
		})
	})
}

// SetRole changes the user's role.
func (s *Store) SetRole(userID, role string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return updateUser(tx, userID, func(u *models.User) {
			u.Role = role
		})
	})
}

// AddOIDCProvider links a provider domain to the account. Adding an
// existing provider is a no-op.
func (s *Store) AddOIDCProvider(userID, domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return updateUser(tx, userID, func(u *models.User) {
			if !u.HasProvider(domain) {
				u.OIDCProviders = append(u.OIDCProviders, domain)
			}
		})
	})
}

// RemoveOIDCProvider unlinks a provider domain from the account.
func (s *Store) RemoveOIDCProvider(userID, domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return updateUser(tx, userID, func(u *models.User) {
			u.OIDCProviders = slices.DeleteFunc(u.OIDCProviders, func(d string) bool {
				return d == domain
			})
		})
	})
}

func updateUser(tx *bolt.Tx, userID string, mutate func(*models.User)) error {
	b := tx.Bucket(usersBucket)

	u, err := getJSON[models.User](b, []byte(userID))
	if err != nil {
		return err
	}

	if u == nil {
		return fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}

	mutate(u)

	return putJSON(b, []byte(userID), u)
}

// IsUniqueViolation reports whether err is one of the store's uniqueness errors.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, apperrors.ErrDuplicate) ||
		errors.Is(err, apperrors.ErrUsernameTaken) ||
		errors.Is(err, apperrors.ErrEmailTaken)
}
