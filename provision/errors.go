package provision

import (
	"errors"
	"fmt"

	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/credential"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNameConflict   = errors.New("runner name already in use")
	ErrForbidden      = errors.New("not permitted")
	ErrNotFound       = errors.New("runner not found")
	ErrMethodDisabled = errors.New("issuance method disabled")
	// ErrMethodForbidden is returned when the caller's account may not use
	// the requested issuance method.
	ErrMethodForbidden = errors.New("issuance method not permitted for account")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// UpstreamError wraps a failed GitHub call made on the request path.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Temporary reports whether the caller may retry the request.
func (e *UpstreamError) Temporary() bool {
	return !credential.IsFatal(e.Err) && client.IsTemporary(e.Err)
}

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Op: op, Err: err}
}
