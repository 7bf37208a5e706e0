package session

import "errors"

var (
	// ErrValidation is a command missing a required field. The connection is closed.
	ErrValidation = errors.New("validation error")
	// ErrProtocol is a message that cannot be handled. The message is rejected and the connection kept.
	ErrProtocol = errors.New("protocol error")
)

// clientError is reported to the operator verbatim.
type clientError struct {
	kind error
	msg  string
}

func newClientError(kind error, msg string) error {
	return &clientError{kind: kind, msg: msg}
}

func (e *clientError) Error() string { return e.msg }

func (e *clientError) Unwrap() error { return e.kind }
