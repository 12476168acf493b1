// Package auth is the local authorization server: the authorization and
// consent endpoints, the JWT-bearer token exchange, legacy peer client
// registration, local account login, and the CORS and bearer-token
// middleware that guard resource endpoints.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/alexjbarnes/immer-auth/internal/state"
)

// Store is the persistence the authorization server needs.
type Store interface {
	GetClient(clientID string) (*models.OAuthClient, error)
	CreateClient(c models.OAuthClient) (*models.OAuthClient, error)
	OAuthClientCount() int

	UserByID(id string) (*models.User, error)
	UserByUsername(username string) (*models.User, error)
	CreateUser(nu state.NewUser) (*models.User, error)
	CheckPassword(username, password string) (*models.User, error)
	SetPassword(userID, password string) error
	RemoveOIDCProvider(userID, domain string) error

	LoginProviders() ([]models.RemoteClient, error)
}

const (
	// maxClients caps the number of registered clients to prevent
	// unbounded growth from unauthenticated registration requests.
	maxClients = 1000

	// registrationsPerMinute limits unauthenticated /auth/client calls.
	registrationsPerMinute = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// registrationLimiter allows registrationsPerMinute calls per rolling
// minute across all callers.
type registrationLimiter struct {
	mu    sync.Mutex
	times []time.Time
}

func (rl *registrationLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window := now.Add(-1 * time.Minute)

	valid := rl.times[:0]
	for _, t := range rl.times {
		if t.After(window) {
			valid = append(valid, t)
		}
	}
	rl.times = valid

	if len(rl.times) >= registrationsPerMinute {
		return false
	}

	rl.times = append(rl.times, now)

	return true
}
