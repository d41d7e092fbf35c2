package funcs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFunctionNotFound rejects a call to a released or never-registered
	// token id.
	ErrFunctionNotFound = errors.New("funcs: function not found")

	// ErrCallTimeout rejects a call that received no response within the
	// configured timeout.
	ErrCallTimeout = errors.New("funcs: call timed out")

	// ErrTornDown rejects operations on a manager after Cleanup.
	ErrTornDown = errors.New("funcs: manager torn down")

	// ErrNotAFunction rejects Adapt of a non-function value.
	ErrNotAFunction = errors.New("funcs: not a function")
)

// notFoundPrefix is the conventional error text both sides emit for calls
// against unknown ids, so the caller side can map it back to the sentinel.
const notFoundPrefix = "function not found"

// RemoteError carries an error message produced by the function's owning
// side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// remoteError maps a function-response error string to a local error value.
func remoteError(message string) error {
	if rest, ok := strings.CutPrefix(message, notFoundPrefix); ok {
		return fmt.Errorf("%w%s", ErrFunctionNotFound, rest)
	}
	return &RemoteError{Message: message}
}
