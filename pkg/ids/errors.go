package ids

import "errors"

// ErrMalformed is returned for strings which are not ids, or numbers out of range.
var ErrMalformed = errors.New("malformed id")
