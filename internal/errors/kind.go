package errors

import (
	"errors"
	"net/http"
)

// Kind is the category an error belongs to when it reaches an HTTP edge.
type Kind int

const (
	KindInternal Kind = iota
	KindClient
	KindAuthentication
	KindAuthorization
	KindFederation
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindFederation:
		return "federation"
	case KindState:
		return "state"
	default:
		return "internal"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidRequest, KindClient},
	{ErrInvalidClient, KindClient},
	{ErrRedirectURI, KindClient},
	{ErrUsernameTaken, KindClient},
	{ErrEmailTaken, KindClient},
	{ErrInvalidUsername, KindClient},
	{ErrInvalidHandle, KindClient},
	{ErrInvalidCredentials, KindAuthentication},
	{ErrInvalidToken, KindAuthentication},
	{ErrInvalidAssertion, KindAuthentication},
	{ErrInsufficientScope, KindAuthorization},
	{ErrAccountControl, KindAuthorization},
	{ErrAccessDenied, KindAuthorization},
	{ErrPeerUnreachable, KindFederation},
	{ErrPeerResponse, KindFederation},
	{ErrFullPeerUnsupported, KindFederation},
	{ErrSessionExpired, KindState},
	{ErrMergePending, KindState},
}

// KindOf classifies err by the first sentinel it wraps.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return KindInternal
}

// Status returns the HTTP status used for an error of this kind.
func (k Kind) Status() int {
	switch k {
	case KindClient:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindFederation:
		return http.StatusBadGateway
	case KindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns text that is safe to show to the end user. Internal
// and federation failures never expose the underlying cause.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindInternal:
		return "internal server error"
	case KindFederation:
		if errors.Is(err, ErrFullPeerUnsupported) {
			return ErrFullPeerUnsupported.Error()
		}

		return ErrPeerUnreachable.Error()
	case KindAuthentication:
		return "authentication failed"
	case KindState:
		if errors.Is(err, ErrMergePending) {
			return ErrMergePending.Error()
		}

		return ErrSessionExpired.Error()
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err.Error()
		}
	}

	return "invalid request"
}

// Outcome is the result of an authorization decision.
type Outcome int

const (
	Success Outcome = iota
	Denied
	Failure
)

// Result carries an Outcome with the value on success, the log-only reason
// on denial, and the error on failure.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Reason  string
	Err     error
}

// Succeed wraps a successful value.
func Succeed[T any](v T) Result[T] {
	return Result[T]{Outcome: Success, Value: v}
}

// Deny records a denial. The reason is for server logs only.
func Deny[T any](reason string) Result[T] {
	return Result[T]{Outcome: Denied, Reason: reason}
}

// Fail records an unexpected failure.
func Fail[T any](err error) Result[T] {
	return Result[T]{Outcome: Failure, Err: err}
}
