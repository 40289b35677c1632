package workflow

import (
	"errors"
	"net/http"

	"github.com/croptrace/croptrace/repository"
)

// Kind classifies workflow failures
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindUpstream
)

// HTTPStatus maps a kind to the status code the API answers with
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified workflow failure. Message is safe to show to the
// caller; Err is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the underlying cause as text, or the message
func (e *Error) Detail() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func validationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func notFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func upstreamError(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err}
}

func internalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// storeError classifies a repository error. notFound is the message used
// when the document does not exist.
func storeError(err error, notFound string) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	if repository.IsNotFound(err) {
		return &Error{Kind: KindNotFound, Message: notFound, Err: err}
	}
	var repoErr *repository.RepositoryError
	if errors.As(err, &repoErr) {
		return internalError(repoErr.Message, err)
	}
	return internalError("Internal server error", err)
}

// KindOf returns the kind of err, KindInternal for unclassified errors
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
