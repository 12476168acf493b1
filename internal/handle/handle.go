// Package handle parses user handles of the form username[domain].
package handle

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
)

var handleRe = regexp.MustCompile(`^([^\[\]\s]+)\[([^\[\]\s]+)\]$`)

// Handle names a user and their home immer.
type Handle struct {
	Username string
	Domain   string
}

// Parse splits "username[domain]". A leading "@" is tolerated.
func Parse(s string) (Handle, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")

	m := handleRe.FindStringSubmatch(s)
	if m == nil {
		return Handle{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidHandle, s)
	}

	domain := NormalizeDomain(m[2])
	if domain == "" {
		return Handle{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidHandle, s)
	}

	return Handle{Username: m[1], Domain: domain}, nil
}

// String renders the handle as username[domain].
func (h Handle) String() string {
	return h.Username + "[" + h.Domain + "]"
}

// NormalizeDomain lower-cases a host and strips any scheme or path so
// "https://Peer.Example/" and "peer.example" compare equal. Ports are kept.
func NormalizeDomain(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}

	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}

	if host, port, err := net.SplitHostPort(s); err == nil && port == "" {
		s = host
	}

	return strings.TrimSuffix(s, ".")
}
