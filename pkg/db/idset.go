package db

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// IDSet is an ordered set of ids.
//
// It is stored as a comma-joined string. The empty string is the empty set.
type IDSet []string

// NewIDSet builds a set keeping the first occurrence of each id. Empty ids are dropped.
func NewIDSet(ids ...string) IDSet {
	set := IDSet{}
	seen := map[string]struct{}{}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	return set
}

// ParseIDSet reads a comma-joined string.
func ParseIDSet(s string) IDSet {
	if strings.TrimSpace(s) == "" {
		return IDSet{}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return NewIDSet(parts...)
}

func (s IDSet) String() string {
	return strings.Join(s, ",")
}

func (s IDSet) Empty() bool {
	return len(s) == 0
}

func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns a set with id appended, unless it is already there.
func (s IDSet) Add(id string) IDSet {
	return NewIDSet(append(append([]string{}, s...), id)...)
}

// Remove returns a set without id.
func (s IDSet) Remove(id string) IDSet {
	out := IDSet{}
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Value implements driver.Valuer.
func (s IDSet) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *IDSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = IDSet{}
	case string:
		*s = ParseIDSet(v)
	case []byte:
		*s = ParseIDSet(string(v))
	default:
		return fmt.Errorf("cannot scan %T into IDSet", src)
	}
	return nil
}
