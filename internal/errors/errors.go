package errors

import "errors"

// Client errors.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidClient   = errors.New("unknown client")
	ErrRedirectURI     = errors.New("redirect_uri not registered for this client")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidUsername = errors.New("username must be 3-32 letters, digits, dashes or underscores")
	ErrInvalidHandle   = errors.New("handle must be username[domain]")
)

// Authentication errors. Responses never distinguish between these.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidAssertion   = errors.New("invalid assertion")
)

// Authorization errors.
var (
	ErrInsufficientScope = errors.New("insufficient scope")
	ErrAccountControl    = errors.New("client may not control user accounts")
	ErrAccessDenied      = errors.New("access denied")
)

// Federation errors.
var (
	ErrPeerUnreachable     = errors.New("could not reach your home immer")
	ErrPeerResponse        = errors.New("unexpected response from home immer")
	ErrFullPeerUnsupported = errors.New("full immer federation is not supported yet")
)

// State errors.
var (
	ErrSessionExpired = errors.New("login session expired, please start again")
	ErrMergePending   = errors.New("account link approval pending")
)

// Store errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)
