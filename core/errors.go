package core

import "fmt"

// ErrorKind enumerates the error taxonomy from spec.md §7. Components wrap
// an underlying error in an Error carrying one of these kinds so callers
// (HTTP handlers, stream sessions, operators) can branch on a stable code
// instead of string-matching.
type ErrorKind string

const (
	ErrUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	ErrParseMalformed      ErrorKind = "ParseMalformed"
	ErrReorgTooDeep        ErrorKind = "ReorgTooDeep"
	ErrStoreUnavailable    ErrorKind = "StoreUnavailable"
	ErrDeliveryTransient   ErrorKind = "DeliveryTransient"
	ErrDeliveryPermanent   ErrorKind = "DeliveryPermanent"
	ErrSlowConsumer        ErrorKind = "SlowConsumer"
	ErrInvalidInput        ErrorKind = "InvalidInput"
	ErrUnauthenticated     ErrorKind = "Unauthenticated"
	ErrForbidden           ErrorKind = "Forbidden"
	ErrRateLimited         ErrorKind = "RateLimited"
	ErrAddressCountRange   ErrorKind = "AddressCountOutOfRange"
	ErrLimitOutOfRange     ErrorKind = "LimitOutOfRange"
	ErrTimeRangeInverted   ErrorKind = "TimeRangeInverted"
	ErrServiceDegraded     ErrorKind = "ServiceDegraded"
)

// Error wraps an underlying error with a stable Kind, following the
// teacher's pkg/utils.Wrap convention of never discarding the causal
// chain. It implements Unwrap so errors.Is/errors.As keep working.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// a *Error, and reports whether one was found.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps an ErrorKind to the HTTP status spec.md's
// "appropriate HTTP status" asks for.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrInvalidInput, ErrAddressCountRange, ErrLimitOutOfRange, ErrTimeRangeInverted:
		return 400
	case ErrUnauthenticated:
		return 401
	case ErrForbidden:
		return 403
	case ErrRateLimited:
		return 429
	case ErrServiceDegraded, ErrUpstreamUnavailable, ErrStoreUnavailable:
		return 503
	default:
		return 500
	}
}
