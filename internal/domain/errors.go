package domain

import "errors"

var (
	ErrInvalidContent = errors.New("invalid content")
	ErrNotFound       = errors.New("not found")
	ErrNotAuthor      = errors.New("not author")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUnavailable    = errors.New("unavailable")
)

// Code returns the wire code of err within the error taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAuthor):
		return "not_author"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether a caller may retry the failed command.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
