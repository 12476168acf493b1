package state

import (
	"bytes"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	bolt "go.etcd.io/bbolt"
)

type tokenRecord = models.OAuthToken

// HashToken returns the storage key for a raw token value.
func HashToken(token string) string {
	return hashHex(token)
}

func userTokenKey(userID, tokenHash string) []byte {
	return []byte(userID + "/" + tokenHash)
}

// SaveToken persists a token as a single atomic insert. The TokenHash
// field must be set; the raw Token is cleared before writing so it never
// reaches disk. A second insert with the same hash returns ErrDuplicate.
func (s *Store) SaveToken(t models.OAuthToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	t.Token = ""

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		if b.Get([]byte(t.TokenHash)) != nil {
			return fmt.Errorf("token: %w", apperrors.ErrDuplicate)
		}

		if err := putJSON(b, []byte(t.TokenHash), t); err != nil {
			return err
		}

		exp, err := t.ExpiresAt.UTC().MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(userTokensBucket).Put(userTokenKey(t.UserID, t.TokenHash), exp)
	})
}

// GetToken looks up a token by hash. Absent and expired tokens both
// return nil; the reaper may not have run yet.
func (s *Store) GetToken(tokenHash string) (*models.OAuthToken, error) {
	var t *models.OAuthToken

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getJSON[models.OAuthToken](tx.Bucket(tokensBucket), []byte(tokenHash))

		return err
	})
	if err != nil {
		return nil, err
	}

	if t == nil || t.Expired(time.Now()) {
		return nil, nil
	}

	return t, nil
}

// RevokeUserTokens deletes every token issued to the user.
func (s *Store) RevokeUserTokens(userID string) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = revokeUserTokens(tx, userID)

		return err
	})

	return n, err
}

func revokeUserTokens(tx *bolt.Tx, userID string) (int, error) {
	byUser := tx.Bucket(userTokensBucket)
	tokens := tx.Bucket(tokensBucket)
	prefix := []byte(userID + "/")

	var keys [][]byte

	c := byUser.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := tokens.Delete(k[len(prefix):]); err != nil {
			return 0, err
		}

		if err := byUser.Delete(k); err != nil {
			return 0, err
		}
	}

	return len(keys), nil
}
