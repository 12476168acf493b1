// Package session holds per-browser state between requests: the logged-in
// user, pending consent transactions, outbound federation PKCE state and
// pending account-merge approvals. Only the opaque session id travels in
// the cookie; the data lives in a Store.
package session

import (
	"context"
	"strings"
	"time"
)

// DefaultTTL is how long an idle session survives.
const DefaultTTL = 24 * time.Hour

// Data is everything stored for one browser session.
type Data struct {
	UserID string `json:"user_id,omitempty"`

	// Next is where to send the browser after a successful login.
	Next string `json:"next,omitempty"`

	// CSRF guards the session's HTML forms.
	CSRF string `json:"csrf,omitempty"`

	Transactions map[string]*Transaction `json:"transactions,omitempty"`
	Federation   *Federation             `json:"federation,omitempty"`
	Merge        *Merge                  `json:"merge,omitempty"`
}

// Transaction binds a pending consent decision to the request that
// started it.
type Transaction struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	State       string    `json:"state,omitempty"`
	Scope       []string  `json:"scope"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Federation is the outbound PKCE state for a login at a peer.
type Federation struct {
	State          string    `json:"state"`
	CodeVerifier   string    `json:"code_verifier"`
	ProviderDomain string    `json:"provider_domain"`
	CreatedAt      time.Time `json:"created_at"`
}

// Merge is a federated identity waiting to be linked to a local account.
type Merge struct {
	Authorized     bool   `json:"authorized"`
	Email          string `json:"email"`
	ProviderDomain string `json:"provider_domain"`
	ProviderName   string `json:"provider_name"`
	Username       string `json:"username,omitempty"`
}

// Store persists session data by id. Load returns nil, nil for an unknown
// or expired id.
type Store interface {
	Load(ctx context.Context, id string) (*Data, error)
	Save(ctx context.Context, id string, data *Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// TakeFederation returns and clears the pending federation state.
func (d *Data) TakeFederation() *Federation {
	f := d.Federation
	d.Federation = nil

	return f
}

// AddTransaction records a pending consent decision.
func (d *Data) AddTransaction(tx *Transaction) {
	if d.Transactions == nil {
		d.Transactions = make(map[string]*Transaction)
	}

	d.Transactions[tx.ID] = tx
}

// TakeTransaction removes and returns the transaction if it exists and is
// younger than maxAge. Expired transactions are dropped either way.
func (d *Data) TakeTransaction(id string, maxAge time.Duration, now time.Time) *Transaction {
	tx, ok := d.Transactions[id]
	if !ok {
		return nil
	}

	delete(d.Transactions, id)

	if now.Sub(tx.CreatedAt) > maxAge {
		return nil
	}

	return tx
}

// PruneTransactions drops transactions older than maxAge.
func (d *Data) PruneTransactions(maxAge time.Duration, now time.Time) {
	for id, tx := range d.Transactions {
		if now.Sub(tx.CreatedAt) > maxAge {
			delete(d.Transactions, id)
		}
	}
}

// TakeNext returns and clears the post-login destination. Anything but a
// local absolute path becomes "/".
func (d *Data) TakeNext() string {
	next := d.Next
	d.Next = ""

	return SafeNext(next)
}

// SafeNext returns next when it is a local absolute path, otherwise "/".
func SafeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}

	return next
}
