package handle

import (
	"testing"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		user   string
		domain string
	}{
		{"bob[peer.example]", "bob", "peer.example"},
		{"@alice[Immers.Space]", "alice", "immers.space"},
		{" carol[localhost:8081] ", "carol", "localhost:8081"},
		{"dave[https://hub.example/]", "dave", "hub.example"},
	}
	for _, tt := range tests {
		h, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.user, h.Username)
		assert.Equal(t, tt.domain, h.Domain)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "bob", "bob[]", "[peer.example]", "bob[peer.example", "bo b[peer.example]", "bob[a][b]"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, apperrors.ErrInvalidHandle, in)
	}
}

func TestHandle_String(t *testing.T) {
	assert.Equal(t, "bob[peer.example]", Handle{Username: "bob", Domain: "peer.example"}.String())
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "peer.example", NormalizeDomain("PEER.example."))
	assert.Equal(t, "peer.example:8443", NormalizeDomain("https://peer.example:8443/auth"))
	assert.Equal(t, "", NormalizeDomain("   "))
}
