package store

import "errors"

// ErrConflict means a concurrent writer changed rows the operation depended on.
//
// It is transient: Database retries the whole transaction against fresh state.
var ErrConflict = errors.New("conflicting concurrent update")

// ErrNoCounter is returned by NewID when id_counter has no row for the kind.
var ErrNoCounter = errors.New("no id counter")
