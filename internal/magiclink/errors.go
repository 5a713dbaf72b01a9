package magiclink

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so transports can map them to status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindExpired
	KindIneligible
	KindInvalidInput
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindForbidden:
		return "Forbidden"
	case KindExpired:
		return "Expired"
	case KindIneligible:
		return "Ineligible"
	case KindInvalidInput:
		return "InvalidInput"
	case KindStorageUnavailable:
		return "StorageUnavailable"
	}
	return "Unknown"
}

// Error is the error type returned by every engine operation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and reason so wrapped copies of a sentinel compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

var (
	ErrInvalidToken    = &Error{Kind: KindNotFound, Reason: "InvalidToken"}
	ErrTokenNotFound   = &Error{Kind: KindNotFound, Reason: "TokenNotFound"}
	ErrSessionNotFound = &Error{Kind: KindNotFound, Reason: "SessionNotFound"}

	ErrIPBanned       = &Error{Kind: KindForbidden, Reason: "IPBanned"}
	ErrTokenBlocked   = &Error{Kind: KindForbidden, Reason: "TokenBlocked"}
	ErrTokenUsed      = &Error{Kind: KindForbidden, Reason: "TokenAlreadyUsed"}
	ErrSessionRevoked = &Error{Kind: KindForbidden, Reason: "SessionRevoked"}

	ErrTokenExpired   = &Error{Kind: KindExpired, Reason: "TokenExpired"}
	ErrSessionExpired = &Error{Kind: KindExpired, Reason: "SessionExpired"}

	ErrUnknownEmail = &Error{Kind: KindIneligible, Reason: "UnknownEmail"}

	ErrInvalidInput = &Error{Kind: KindInvalidInput, Reason: "InvalidInput"}

	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Reason: "StorageUnavailable"}
)

// ErrNotFound is returned by Store and Directory implementations for unknown keys.
// The engine translates it into the entity specific NotFound sentinel.
var ErrNotFound = errors.New("record not found")

// invalid builds an InvalidInput error carrying a human readable detail.
func invalid(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidInput, Reason: "InvalidInput", Err: fmt.Errorf(format, args...)}
}

// Unavailable wraps a persistence failure. Store implementations use it for
// driver errors and deadline expiry.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindStorageUnavailable, Reason: "StorageUnavailable", Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf reports the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// storeErr normalizes an error coming back from a Store. Unknown ids become
// notFound; typed engine errors pass through; anything else is a storage failure.
func storeErr(op string, err error, notFound *Error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return notFound
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Unavailable(op, err)
}
