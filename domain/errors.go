package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is reported when a server confirmed record carries no id.
	ErrMissingID = errors.New("entity has no id")
	// ErrIDAssigned is reported when a create payload already carries an id.
	ErrIDAssigned = errors.New("create payload must not carry an id")
	// ErrIDChange is reported when an update tries to rewrite the id.
	ErrIDChange = errors.New("entity id cannot be changed")
)

// DecodeError reports a wire payload that does not have the expected shape.
type DecodeError struct {
	Kind Kind
	// Index is the offending element of a collection response, -1 for single records.
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("decode %s[%d]: %v", e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
