package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoles_Monotonic(t *testing.T) {
	rs := Roles()
	require.Len(t, rs, 4)

	for i := 1; i < len(rs); i++ {
		higher := rs[i].Scopes()
		assert.Greater(t, rs[i].Level, rs[i-1].Level)

		for j := 0; j < i; j++ {
			assert.Subset(t, higher, rs[j].Scopes(), "%s should include %s", rs[i].Name, rs[j].Name)
		}
	}
}

func TestRole_FriendsScopes(t *testing.T) {
	r, ok := RoleByName("friends")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{ViewProfile, ViewPublic, ViewFriends, PostLocation}, r.Scopes())
	assert.Equal(t, "viewProfile viewPublic viewFriends postLocation", r.String())
}

func TestRole_PublicIsIdentityOnly(t *testing.T) {
	r, ok := RoleByName("public")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{ViewProfile, ViewPublic}, r.Scopes())
}

func TestRoleByName_Unknown(t *testing.T) {
	_, ok := RoleByName("root")
	assert.False(t, ok)
}

func TestForLevel_AllScopesAtThree(t *testing.T) {
	assert.Len(t, ForLevel(3), len(Scopes()))
	assert.Empty(t, ForLevel(-1))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{ViewProfile, Creative}, Normalize([]string{"viewProfile", "bogus", "creative", "viewProfile"}))
	assert.Equal(t, []string{All}, Normalize([]string{"viewProfile", "*"}))
	assert.Empty(t, Normalize(nil))
	assert.Equal(t, []string{ViewPublic, PostLocation}, Parse(" viewPublic  postLocation "))
}

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		granted  []string
		want     bool
	}{
		{"wildcard", []string{Destructive}, []string{All}, true},
		{"overlap", []string{Creative, Destructive}, []string{ViewProfile, Creative}, true},
		{"no overlap", []string{Destructive}, []string{ViewProfile, Creative}, false},
		{"empty granted", []string{ViewProfile}, nil, false},
		{"wildcard required", []string{All}, []string{ViewProfile, Destructive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthorized(tt.required, tt.granted))
		})
	}
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, "public", RoleFor(nil).Name)
	assert.Equal(t, "friends", RoleFor([]string{ViewProfile, PostLocation}).Name)
	assert.Equal(t, "modAdditive", RoleFor([]string{Creative}).Name)
	assert.Equal(t, "modFull", RoleFor([]string{Destructive}).Name)
	assert.Equal(t, "modFull", RoleFor([]string{All}).Name)
}

func TestForActivity(t *testing.T) {
	assert.Equal(t, []string{PostLocation}, ForActivity("Arrive", false))
	assert.Equal(t, []string{PostLocation}, ForActivity("Leave", false))
	assert.Equal(t, []string{AddFriends}, ForActivity("Follow", false))
	assert.Equal(t, []string{AddFriends}, ForActivity("Accept", false))
	assert.Equal(t, []string{Creative}, ForActivity("Create", false))
	assert.Equal(t, []string{Creative}, ForActivity("Like", false))
	assert.Equal(t, []string{Creative}, ForActivity("Announce", false))
	assert.Equal(t, []string{Creative}, ForActivity("Update", true))
	assert.Equal(t, []string{Destructive}, ForActivity("Update", false))
	assert.Equal(t, []string{Destructive}, ForActivity("Undo", false))
	assert.Equal(t, []string{Destructive}, ForActivity("Delete", false))
	assert.Equal(t, []string{All}, ForActivity("Move", false))
}

func TestCanPostActivity_FailsClosed(t *testing.T) {
	friends, _ := RoleByName("friends")
	full, _ := RoleByName("modFull")

	assert.True(t, CanPostActivity(friends.Scopes(), "Arrive", false))
	assert.False(t, CanPostActivity(friends.Scopes(), "Create", false))
	assert.False(t, CanPostActivity(full.Scopes(), "Move", false))
	assert.True(t, CanPostActivity([]string{All}, "Move", false))
}
