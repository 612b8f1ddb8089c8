// Package autherr defines the failure taxonomy shared by the token service, the
// authorization gate and the HTTP handlers that map failures to responses.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed.
type Kind string

const (
	KindTokenMissing       Kind = "token_missing"
	KindTokenMalformed     Kind = "token_malformed"
	KindTokenExpired       Kind = "token_expired"
	KindWrongTokenType     Kind = "wrong_token_type"
	KindTokenNotRecognized Kind = "token_not_recognized"
	KindUserNotFound       Kind = "user_not_found"
	KindForbidden          Kind = "forbidden"
	KindRbacMisconfigured  Kind = "rbac_misconfigured"
	KindStorageFault       Kind = "storage_fault"
	KindProviderFailure    Kind = "provider_failure"
	KindInvalidProfile     Kind = "invalid_profile"
)

// Sentinels for errors.Is checks. An *Error matches the sentinel of its Kind.
var (
	ErrTokenMissing       = &Error{Kind: KindTokenMissing}
	ErrTokenMalformed     = &Error{Kind: KindTokenMalformed}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrWrongTokenType     = &Error{Kind: KindWrongTokenType}
	ErrTokenNotRecognized = &Error{Kind: KindTokenNotRecognized}
	ErrUserNotFound       = &Error{Kind: KindUserNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrRbacMisconfigured  = &Error{Kind: KindRbacMisconfigured}
	ErrStorageFault       = &Error{Kind: KindStorageFault}
	ErrProviderFailure    = &Error{Kind: KindProviderFailure}
	ErrInvalidProfile     = &Error{Kind: KindInvalidProfile}
)

// Error is a typed failure carrying the operation that produced it and the
// underlying cause. The cause is for logs only.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindStorageFault for anything untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageFault
}

// HTTPStatus maps err to the status code returned to the caller.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindTokenMissing, KindInvalidProfile:
		return http.StatusBadRequest
	case KindTokenMalformed, KindTokenExpired, KindWrongTokenType,
		KindTokenNotRecognized, KindUserNotFound:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the sanitized message for err. It never includes the cause.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindTokenMissing:
		return "token required"
	case KindTokenMalformed:
		return "invalid token"
	case KindTokenExpired:
		return "token expired"
	case KindWrongTokenType:
		return "wrong token type"
	case KindTokenNotRecognized:
		return "token not recognized"
	case KindUserNotFound:
		return "user not found"
	case KindForbidden:
		return "insufficient role"
	case KindInvalidProfile:
		return "invalid identity profile"
	case KindProviderFailure:
		return "identity provider error"
	default:
		return "internal error"
	}
}
