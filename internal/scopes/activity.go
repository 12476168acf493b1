package scopes

import "strings"

// activityScopes maps ActivityStreams activity types to the scope needed
// to post them. Types not listed require the wildcard.
var activityScopes = map[string]string{
	"arrive":   PostLocation,
	"leave":    PostLocation,
	"follow":   AddFriends,
	"accept":   AddFriends,
	"block":    AddBlocks,
	"create":   Creative,
	"like":     Creative,
	"announce": Creative,
	"update":   Destructive,
	"reject":   Destructive,
	"undo":     Destructive,
	"delete":   Destructive,
	"remove":   Destructive,
}

// ForActivity returns the scopes that authorize posting an activity of
// the given type. isProfileUpdate marks an Update whose object is the
// poster's own actor, which only needs the creative scope.
func ForActivity(activityType string, isProfileUpdate bool) []string {
	t := strings.ToLower(activityType)
	if t == "update" && isProfileUpdate {
		return []string{Creative}
	}

	if s, ok := activityScopes[t]; ok {
		return []string{s}
	}

	return []string{All}
}

// CanPostActivity reports whether a token's granted scopes allow posting
// an activity of the given type.
func CanPostActivity(granted []string, activityType string, isProfileUpdate bool) bool {
	return IsAuthorized(ForActivity(activityType, isProfileUpdate), granted)
}
