package command

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

// Kind classifies an error returned to a client
type Kind string

const (
	KindUnknownCommand Kind = "unknown_command"
	KindAuth           Kind = "auth"
	KindBadRequest     Kind = "bad_request"
	KindNotFound       Kind = "not_found"
	KindOverloaded     Kind = "overloaded"
	KindInternal       Kind = "internal"
)

// Error a failure delivered to the client as a response value
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable only overload is worth retrying unchanged
func (e *Error) Retryable() bool { return e.Kind == KindOverloaded }

// Errorf creates an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it for errors.Is.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// KindOf returns the kind of err; unclassified errors are bad requests.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBadRequest
}

// ErrorAd renders err as a response ad.
func ErrorAd(err error) ad.Ad {
	return ad.Of("error", err.Error(), "kind", string(KindOf(err)))
}

// IsErrorAd reports whether a response ad carries an error.
func IsErrorAd(a ad.Ad) bool {
	return a.Has("error")
}

// FromErrorAd turns an error response back into an *Error; nil when a
// is not an error response.
func FromErrorAd(a ad.Ad) *Error {
	if !IsErrorAd(a) {
		return nil
	}
	return &Error{Kind: Kind(a.Get("kind", string(KindInternal))), Msg: a.Get("error")}
}
