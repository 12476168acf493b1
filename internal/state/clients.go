package state

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// CreateClient inserts a client. Returns ErrDuplicate when the clientId
// is already registered.
func (s *Store) CreateClient(c models.OAuthClient) (*models.OAuthClient, error) {
	if c.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", apperrors.ErrInvalidRequest)
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ClientID)) != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, apperrors.ErrDuplicate)
		}

		return putJSON(b, []byte(c.ClientID), c)
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// UpsertClient creates or replaces a client, keeping the stored ID.
func (s *Store) UpsertClient(c models.OAuthClient) error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", apperrors.ErrInvalidRequest)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)

		existing, err := getJSON[models.OAuthClient](b, []byte(c.ClientID))
		if err != nil {
			return err
		}

		switch {
		case existing != nil:
			c.ID = existing.ID
		case c.ID == "":
			c.ID = uuid.NewString()
		}

		return putJSON(b, []byte(c.ClientID), c)
	})
}

// GetClient returns a registered client by clientId, or nil if not found.
func (s *Store) GetClient(clientID string) (*models.OAuthClient, error) {
	var c *models.OAuthClient

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getJSON[models.OAuthClient](tx.Bucket(clientsBucket), []byte(clientID))

		return err
	})

	return c, err
}

// OAuthClientCount returns the number of registered clients.
func (s *Store) OAuthClientCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(clientsBucket).Stats().KeyN
		return nil
	})

	return count
}

// InsertRemoteClient persists a registration with a peer. The domain is
// unique: a second insert for the same domain returns ErrDuplicate and
// leaves the first record in place.
func (s *Store) InsertRemoteClient(rc models.RemoteClient) error {
	if rc.Domain == "" {
		return fmt.Errorf("%w: domain is required", apperrors.ErrInvalidRequest)
	}

	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(remoteClientsBucket)
		if b.Get([]byte(rc.Domain)) != nil {
			return fmt.Errorf("remote client %s: %w", rc.Domain, apperrors.ErrDuplicate)
		}

		return putJSON(b, []byte(rc.Domain), rc)
	})
}

// GetRemoteClient returns the registration for a peer domain, or nil.
func (s *Store) GetRemoteClient(domain string) (*models.RemoteClient, error) {
	var rc *models.RemoteClient

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rc, err = getJSON[models.RemoteClient](tx.Bucket(remoteClientsBucket), []byte(domain))

		return err
	})

	return rc, err
}

// UpdateRemoteClientButton sets how a provider is shown on the login page.
func (s *Store) UpdateRemoteClientButton(domain, icon, label string, show bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(remoteClientsBucket)

		rc, err := getJSON[models.RemoteClient](b, []byte(domain))
		if err != nil {
			return err
		}

		if rc == nil {
			return fmt.Errorf("remote client %s: %w", domain, apperrors.ErrNotFound)
		}

		rc.ButtonIcon = icon
		rc.ButtonLabel = label
		rc.ShowButton = show

		return putJSON(b, []byte(domain), rc)
	})
}

// LoginProviders returns remote clients flagged to show a login button.
func (s *Store) LoginProviders() ([]models.RemoteClient, error) {
	var out []models.RemoteClient

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteClientsBucket).ForEach(func(_, v []byte) error {
			var rc models.RemoteClient
			if err := json.Unmarshal(v, &rc); err != nil {
				return err
			}

			if rc.ShowButton {
				out = append(out, rc)
			}

			return nil
		})
	})

	return out, err
}
