package resources

import "errors"

// ErrBadRequirement is returned when a requirement value is neither a number nor a quantity.
var ErrBadRequirement = errors.New("bad resource requirement")
