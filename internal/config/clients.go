package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// clientsFile is the YAML layout of CLIENTS_FILE:
//
//	clients:
//	  - client_id: https://peer.example/o/immer
//	    name: Peer Immer
//	    redirect_uris: [https://peer.example]
//	    can_control_user_accounts: true
//	    jwt_public_key: |
//	      -----BEGIN PUBLIC KEY-----
//	      ...
type clientsFile struct {
	Clients []clientEntry `yaml:"clients"`
}

type clientEntry struct {
	ClientID               string   `yaml:"client_id"`
	Name                   string   `yaml:"name"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	Trusted                bool     `yaml:"trusted"`
	CanControlUserAccounts bool     `yaml:"can_control_user_accounts"`
	JWTPublicKey           string   `yaml:"jwt_public_key"`
}

// LoadClientsFile parses a clients file. Every entry needs a client_id
// and at least one redirect URI; accounts can only be controlled by a
// client that also carries a public key.
func LoadClientsFile(path string) ([]models.OAuthClient, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	var f clientsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing clients file: %w", err)
	}

	seen := make(map[string]struct{})
	clients := make([]models.OAuthClient, 0, len(f.Clients))

	for i, e := range f.Clients {
		if e.ClientID == "" {
			return nil, fmt.Errorf("clients file entry %d: client_id is required", i+1)
		}

		if len(e.RedirectURIs) == 0 {
			return nil, fmt.Errorf("clients file entry %q: redirect_uris is required", e.ClientID)
		}

		if e.CanControlUserAccounts && e.JWTPublicKey == "" {
			return nil, fmt.Errorf("clients file entry %q: jwt_public_key is required to control user accounts", e.ClientID)
		}

		if _, dup := seen[e.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in clients file", e.ClientID)
		}

		seen[e.ClientID] = struct{}{}

		clients = append(clients, models.OAuthClient{
			ClientID:               e.ClientID,
			Name:                   e.Name,
			RedirectURIs:           e.RedirectURIs,
			IsTrusted:              e.Trusted,
			CanControlUserAccounts: e.CanControlUserAccounts,
			JWTPublicKeyPEM:        e.JWTPublicKey,
		})
	}

	return clients, nil
}

// reloadDebounce batches the burst of events editors emit on save.
const reloadDebounce = 300 * time.Millisecond

// WatchClientsFile calls apply with the parsed file every time it
// changes, until ctx is cancelled. The parent directory is watched so
// atomic rename-on-save is seen. A file that fails to parse is logged
// and skipped; the previous registrations stay in place.
func WatchClientsFile(ctx context.Context, path string, logger *slog.Logger, apply func([]models.OAuthClient) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving clients file path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching clients file: %w", err)
	}

	logger.Info("clients file watcher started", slog.String("path", abs))

	var timer <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				timer = time.After(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			logger.Warn("clients file watcher error", slog.String("error", err.Error()))

		case <-timer:
			timer = nil

			clients, err := LoadClientsFile(abs)
			if err != nil {
				logger.Warn("clients file reload failed", slog.String("error", err.Error()))
				continue
			}

			if err := apply(clients); err != nil {
				logger.Warn("applying clients file failed", slog.String("error", err.Error()))
				continue
			}

			logger.Info("clients file reloaded", slog.Int("clients", len(clients)))
		}
	}
}
