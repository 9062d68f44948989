package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reference is a dependency declared in a task template.
//
// It points to a task of the same job by name or by index ("A", "0"),
// or to a task of another dataset with the same job index ("<dataset_id>.A").
type Reference struct {
	// Dataset is the id of the referenced dataset. Empty for the same dataset.
	Dataset string

	// Target is a task name or a task index.
	Target string
}

// ParseReference reads "<target>" or "<dataset_id>.<target>".
//
// The dataset id is everything before the last dot.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrUnresolvable)
	}
	dot := strings.LastIndex(s, ".")
	if dot < 0 {
		return Reference{Target: s}, nil
	}
	ds, target := s[:dot], s[dot+1:]
	if ds == "" || target == "" {
		return Reference{}, fmt.Errorf("%w: malformed reference %q", ErrUnresolvable, s)
	}
	return Reference{Dataset: ds, Target: target}, nil
}

func (r Reference) String() string {
	if r.Dataset == "" {
		return r.Target
	}
	return r.Dataset + "." + r.Target
}

// External reports whether it points to another dataset than `self`.
func (r Reference) External(self string) bool {
	return r.Dataset != "" && r.Dataset != self
}

// Index returns the target as a task index, when it is a non-negative integer.
func (r Reference) Index() (int, bool) {
	i, err := strconv.Atoi(r.Target)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Locate finds what a raw reference of a template of dataset `self` points to.
//
// names are the task names of the dataset in index order. A reference naming
// a sibling is taken as is, even when it contains a dot. Otherwise it is parsed
// with ParseReference: a reference into the same dataset resolves by name then
// by index, and gives the sibling index. A reference to another dataset gives
// index -1 and the parsed Reference, to be resolved by the caller.
func Locate(raw string, names []string, self string) (int, Reference, error) {
	raw = strings.TrimSpace(raw)
	for i, n := range names {
		if n == raw {
			return i, Reference{Target: raw}, nil
		}
	}

	ref, err := ParseReference(raw)
	if err != nil {
		return -1, Reference{}, err
	}
	if ref.External(self) {
		return -1, ref, nil
	}
	for i, n := range names {
		if n == ref.Target {
			return i, ref, nil
		}
	}
	if i, ok := ref.Index(); ok && i < len(names) {
		return i, ref, nil
	}
	return -1, Reference{}, fmt.Errorf("%w: no task %q in dataset %s", ErrUnresolvable, raw, self)
}

// References is the dependency list of a template, stored as a JSON list of strings.
type References []string

func (r References) Parse() ([]Reference, error) {
	out := make([]Reference, 0, len(r))
	for _, s := range r {
		ref, err := ParseReference(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func (r References) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(r))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *References) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = References{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into References", src)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		*r = References{}
		return nil
	}
	list := []string{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("depends is not a JSON list of strings: %w", err)
	}
	*r = References(list)
	return nil
}
