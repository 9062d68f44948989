package db

import (
	"errors"
	"fmt"
)

var (
	// ErrMissing means a record is not found.
	ErrMissing = errors.New("missing")

	// ErrInvalidStatus means a string is not a known status.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidTransition means a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("cannot change status")

	// ErrUnresolvable means a dependency reference of a template points nowhere.
	ErrUnresolvable = errors.New("unresolvable dependency")

	// ErrDependencyNotBuffered means a referenced task of another dataset is not materialized yet.
	ErrDependencyNotBuffered = fmt.Errorf("%w: depended task is not buffered yet", ErrUnresolvable)

	// ErrInvalidConfig means a submitted dataset configuration is malformed.
	ErrInvalidConfig = errors.New("invalid dataset configuration")
)
