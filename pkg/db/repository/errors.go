package repository

import (
	"fmt"

	"github.com/opst/gridqueue/pkg/db"
)

// Missing is returned when a requested row does not exist.
type Missing struct {
	Table    string
	Identity string
}

var _ error = Missing{}

func (m Missing) Error() string {
	return fmt.Sprintf("%s is not found in %s", m.Identity, m.Table)
}

func (m Missing) Unwrap() error {
	return db.ErrMissing
}
