// club/errors.go
package club

import (
	"errors"
	"fmt"
)

// Operation failures are classified into a small taxonomy so handlers can map
// them to a response without inspecting message text. Everything a service
// returns wraps exactly one of these.
var (
	// ErrUnauthorized means no valid session where one is required.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means a valid session with insufficient privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means a uniqueness invariant was violated, e.g. a
	// duplicate follow edge. Benign where the end state is what the caller
	// asked for.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the post, user, or edge does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation means malformed input: empty content, self-follow,
	// a container naming both a group and a subclub.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable means the store or transport could not be
	// reached after bounded retries; callers may retry the whole operation.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrForbidden}, args...)...)
}

// Reason extracts the taxonomy sentinel from err, or nil if it carries none.
func Reason(err error) error {
	for _, sentinel := range []error{
		ErrUnauthorized, ErrForbidden, ErrConflict,
		ErrNotFound, ErrValidation, ErrStoreUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}
