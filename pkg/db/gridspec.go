package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Gridspec names the queue(s) a dataset runs on.
//
// It is either a single queue name, or a JSON object mapping task names to queue names.
type Gridspec struct {
	plain   string
	mapping map[string]string
}

// PlainGridspec is a gridspec naming one queue for every task.
func PlainGridspec(queue string) Gridspec {
	return Gridspec{plain: queue}
}

// MappedGridspec is a gridspec with a queue per task name.
func MappedGridspec(m map[string]string) Gridspec {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return Gridspec{mapping: c}
}

// ParseGridspec reads the stored form. A string starting with "{" must be a JSON object.
func ParseGridspec(s string) (Gridspec, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return Gridspec{plain: s}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return Gridspec{}, fmt.Errorf("%w: gridspec %q: %w", ErrInvalidConfig, s, err)
	}
	return Gridspec{mapping: m}, nil
}

func (g Gridspec) Mapped() bool {
	return g.mapping != nil
}

// Queues lists the distinct queue names, sorted.
func (g Gridspec) Queues() []string {
	if !g.Mapped() {
		if g.plain == "" {
			return []string{}
		}
		return []string{g.plain}
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, q := range g.mapping {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether queue is one of the queues.
func (g Gridspec) Matches(queue string) bool {
	if !g.Mapped() {
		return g.plain == queue
	}
	for _, q := range g.mapping {
		if q == queue {
			return true
		}
	}
	return false
}

// MatchesAny is Matches for any of queues.
func (g Gridspec) MatchesAny(queues []string) bool {
	for _, q := range queues {
		if g.Matches(q) {
			return true
		}
	}
	return false
}

// For returns the queue of a task.
//
// A mapped gridspec without the task name gives "".
func (g Gridspec) For(taskName string) string {
	if !g.Mapped() {
		return g.plain
	}
	return g.mapping[taskName]
}

func (g Gridspec) String() string {
	if !g.Mapped() {
		return g.plain
	}
	b, _ := json.Marshal(g.mapping)
	return string(b)
}

func (g Gridspec) Equal(o Gridspec) bool {
	return g.String() == o.String()
}

func (g Gridspec) Value() (driver.Value, error) {
	return g.String(), nil
}

func (g *Gridspec) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Gridspec", src)
	}
	parsed, err := ParseGridspec(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

func (g Gridspec) MarshalJSON() ([]byte, error) {
	if g.Mapped() {
		return json.Marshal(g.mapping)
	}
	return json.Marshal(g.plain)
}

func (g *Gridspec) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		*g = PlainGridspec(plain)
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: gridspec must be a string or an object of strings", ErrInvalidConfig)
	}
	*g = MappedGridspec(m)
	return nil
}
