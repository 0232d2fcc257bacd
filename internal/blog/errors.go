package blog

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, pipeline, cache, and HTTP layer.
// Callers classify with errors.Is and must not match on message text.
var (
	// ErrAuth - credential rejected or caller not allowed to touch the post.
	ErrAuth = errors.New("unauthorized")
	// ErrValidation - bad input, non-retryable until the client fixes it.
	ErrValidation = errors.New("validation failed")
	// ErrConflict - optimistic-concurrency lost race. Retryable after refetch.
	ErrConflict = errors.New("version conflict")
	// ErrInvalidTransition - illegal status change (e.g. publish twice).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound - post or user absent.
	ErrNotFound = errors.New("not found")
	// ErrRender - renderer failure. Never poisons the cache; prior entries survive.
	ErrRender = errors.New("render failed")
	// ErrCacheFault - cache infrastructure trouble. Logged, degrades to
	// stale serving, never fails a write.
	ErrCacheFault = errors.New("cache fault")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Authf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuth, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Renderf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRender, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller can reasonably retry the same request
// (after a refetch for conflicts). Validation and transition errors need a
// changed request, auth errors need a new credential.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRender) || errors.Is(err, ErrCacheFault)
}

// Kind maps an error to its stable wire name for API responses and logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRender):
		return "render"
	case errors.Is(err, ErrCacheFault):
		return "cache_fault"
	default:
		return "internal"
	}
}
