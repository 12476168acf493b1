// Package state is the credential store. It wraps a bbolt database with
// one bucket per collection and index buckets that enforce uniqueness.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DefaultGCInterval controls how often expired records are reaped.
	DefaultGCInterval = 5 * time.Minute
)

var (
	usersBucket         = []byte("users")
	usernameIndexBucket = []byte("users_by_username")
	emailIndexBucket    = []byte("users_by_email")
	clientsBucket       = []byte("oauth_clients")
	remoteClientsBucket = []byte("remote_clients")
	tokensBucket        = []byte("oauth_tokens")
	userTokensBucket    = []byte("oauth_tokens_by_user")
	consumedBucket      = []byte("consumed")

	allBuckets = [][]byte{
		usersBucket,
		usernameIndexBucket,
		emailIndexBucket,
		clientsBucket,
		remoteClientsBucket,
		tokensBucket,
		userTokensBucket,
		consumedBucket,
	}
)

// Store wraps a bbolt database for all persistent credential state.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	stopGC   chan struct{}
	stopOnce sync.Once
	gcDone   chan struct{}
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	Logger     *slog.Logger
	GCInterval time.Duration
}

// LoadAt opens the database at path, creating it and all buckets if
// needed, and starts the expiry reaper.
func LoadAt(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}

	s := &Store{
		db:     db,
		logger: opts.Logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go s.gcLoop(opts.GCInterval)

	return s, nil
}

// Close stops the reaper and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopGC) })
	<-s.gcDone

	return s.db.Close()
}

// gcLoop periodically removes expired tokens and consumed markers. This is
// the store's TTL mechanism; readers still check expiry themselves.
func (s *Store) gcLoop(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.PurgeExpired(time.Now())
			if err != nil {
				s.logger.Warn("purging expired records", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				s.logger.Debug("purged expired records", slog.Int("count", n))
			}
		case <-s.stopGC:
			return
		}
	}
}

// PurgeExpired deletes every token and consumed marker whose expiry is at
// or before now. Returns the number of records removed.
func (s *Store) PurgeExpired(now time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		byUser := tx.Bucket(userTokensBucket)

		var expired []struct{ hash, userKey []byte }

		err := tokens.ForEach(func(k, v []byte) error {
			var t tokenRecord
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if !now.Before(t.ExpiresAt) {
				expired = append(expired, struct{ hash, userKey []byte }{
					hash:    append([]byte(nil), k...),
					userKey: userTokenKey(t.UserID, t.TokenHash),
				})
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range expired {
			if err := tokens.Delete(e.hash); err != nil {
				return err
			}

			if err := byUser.Delete(e.userKey); err != nil {
				return err
			}

			removed++
		}

		consumed := tx.Bucket(consumedBucket)

		var stale [][]byte

		err = consumed.ForEach(func(k, v []byte) error {
			var exp time.Time
			if err := exp.UnmarshalText(v); err != nil {
				return err
			}

			if !now.Before(exp) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := consumed.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})

	return removed, err
}

// ConsumeOnce records key as used until expiresAt. It returns true the
// first time a live key is consumed and false on every later call.
func (s *Store) ConsumeOnce(key string, expiresAt time.Time) (bool, error) {
	first := false
	k := []byte(hashHex(key))

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consumedBucket)

		if v := b.Get(k); v != nil {
			var exp time.Time
			if err := exp.UnmarshalText(v); err == nil && time.Now().Before(exp) {
				return nil
			}
		}

		data, err := expiresAt.UTC().MarshalText()
		if err != nil {
			return err
		}

		first = true

		return b.Put(k, data)
	})

	return first, err
}

// hashHex returns the SHA-256 hex digest of s. Used as a bbolt key so
// secret values never reach disk.
func hashHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

func getJSON[T any](b *bolt.Bucket, key []byte) (*T, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}

	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}

	return v, nil
}
