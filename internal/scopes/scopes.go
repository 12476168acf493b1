// Package scopes defines the permission scopes tokens carry, the roles
// that bundle them by trust level, and the activity-type table used to
// authorize content posting.
package scopes

import (
	"slices"
	"strings"
)

// All is the wildcard scope granted to trusted first-party clients.
const All = "*"

// Scope names.
const (
	ViewProfile  = "viewProfile"
	ViewPublic   = "viewPublic"
	ViewFriends  = "viewFriends"
	PostLocation = "postLocation"
	ViewPrivate  = "viewPrivate"
	Creative     = "creative"
	AddFriends   = "addFriends"
	AddBlocks    = "addBlocks"
	Destructive  = "destructive"
)

// Scope is a named permission with a trust level from 0 to 3.
type Scope struct {
	Name        string
	Level       int
	Description string
}

// Role grants every scope whose level is at or below its own.
type Role struct {
	Name  string
	Label string
	Level int
}

var table = []Scope{
	{ViewProfile, 0, "View your basic profile"},
	{ViewPublic, 0, "View public posts"},
	{ViewFriends, 1, "View your friends list and their posts"},
	{PostLocation, 1, "Share your presence and location"},
	{ViewPrivate, 2, "View your private messages"},
	{Creative, 2, "Make posts, likes and profile changes"},
	{AddFriends, 2, "Send and accept friend requests"},
	{AddBlocks, 2, "Block other users"},
	{Destructive, 3, "Delete posts and remove friends"},
}

var roles = []Role{
	{"public", "Public", 0},
	{"friends", "Friends", 1},
	{"modAdditive", "Additive", 2},
	{"modFull", "Full", 3},
}

// Scopes returns the scope table in ascending level order.
func Scopes() []Scope {
	return slices.Clone(table)
}

// Roles returns the roles in ascending level order.
func Roles() []Role {
	return slices.Clone(roles)
}

// RoleByName looks up a role.
func RoleByName(name string) (Role, bool) {
	for _, r := range roles {
		if r.Name == name {
			return r, true
		}
	}

	return Role{}, false
}

// ForLevel returns the names of every scope at or below level.
func ForLevel(level int) []string {
	var out []string

	for _, s := range table {
		if s.Level <= level {
			out = append(out, s.Name)
		}
	}

	return out
}

// Scopes returns the scopes the role grants.
func (r Role) Scopes() []string {
	return ForLevel(r.Level)
}

// String renders the role's scopes space-delimited, as carried in forms.
func (r Role) String() string {
	return strings.Join(r.Scopes(), " ")
}

// Known reports whether name is a defined scope or the wildcard.
func Known(name string) bool {
	if name == All {
		return true
	}

	for _, s := range table {
		if s.Name == name {
			return true
		}
	}

	return false
}

// Parse splits a space-delimited scope string and normalizes it.
func Parse(s string) []string {
	return Normalize(strings.Fields(s))
}

// Normalize drops unknown and duplicate names and collapses any set
// containing the wildcard to just the wildcard.
func Normalize(names []string) []string {
	out := make([]string, 0, len(names))

	for _, n := range names {
		if n == All {
			return []string{All}
		}

		if Known(n) && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}

	return out
}

// IsAuthorized reports whether granted satisfies required: the wildcard
// satisfies anything, otherwise any overlap does.
func IsAuthorized(required, granted []string) bool {
	if slices.Contains(granted, All) {
		return true
	}

	for _, r := range required {
		if slices.Contains(granted, r) {
			return true
		}
	}

	return false
}

// RoleFor returns the lowest role that grants every requested scope. A
// wildcard request maps to the highest role; a request with no known
// scopes maps to the lowest.
func RoleFor(requested []string) Role {
	level := -1

	for _, name := range requested {
		if name == All {
			return roles[len(roles)-1]
		}

		for _, s := range table {
			if s.Name == name && s.Level > level {
				level = s.Level
			}
		}
	}

	if level < 0 {
		return roles[0]
	}

	for _, r := range roles {
		if r.Level >= level {
			return r
		}
	}

	return roles[len(roles)-1]
}
