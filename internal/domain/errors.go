package domain

import "errors"

// Error kinds. Package sentinels wrap one of these so the HTTP layer can map them without
// importing every package.
var (
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid input")
)

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Conflict returns a sentinel error of kind ErrConflict.
func Conflict(msg string) error { return &kindError{msg: msg, kind: ErrConflict} }

// Invalid returns a sentinel error of kind ErrInvalid.
func Invalid(msg string) error { return &kindError{msg: msg, kind: ErrInvalid} }
