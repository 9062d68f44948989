// Package ids encodes the identifiers of gridqueue records.
//
// An id is a number written in bijective base-62 over [a-zA-Z0-9]:
// 0 is "a", 61 is "9", 62 is "aa" and so on. No two numbers share a string
// and every non-empty string over the alphabet is an id.
//
// Two schemes exist:
//
//   - global ids embed a site tag: number = site * MaxLocalID + local.
//     They are unique across sites sharing a master.
//   - local ids are just the local counter.
package ids

import (
	"fmt"
	"math/big"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// MaxLocalID bounds the local part of a global id (exclusive).
	MaxLocalID uint64 = 1_000_000_000_000_000

	// MaxSiteID bounds site tags (exclusive).
	MaxSiteID uint64 = 10_000_000_000
)

var (
	base       = big.NewInt(int64(len(alphabet)))
	maxLocalID = new(big.Int).SetUint64(MaxLocalID)
	one        = big.NewInt(1)
)

var digit = func() [256]int {
	d := [256]int{}
	for i := range d {
		d[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		d[alphabet[i]] = i
	}
	return d
}()

// Encode writes n (n >= 0) in bijective base-62.
func Encode(n *big.Int) (string, error) {
	if n == nil || n.Sign() < 0 {
		return "", fmt.Errorf("%w: cannot encode %v", ErrMalformed, n)
	}
	i := new(big.Int).Set(n)
	mod := new(big.Int)
	out := []byte{}
	for i.Sign() >= 0 {
		i.DivMod(i, base, mod)
		out = append(out, alphabet[mod.Int64()])
		i.Sub(i, one)
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return string(out), nil
}

// EncodeUint is Encode for a uint64.
func EncodeUint(n uint64) string {
	s, _ := Encode(new(big.Int).SetUint64(n))
	return s
}

// Decode reads an id back into its number.
func Decode(id string) (*big.Int, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrMalformed)
	}
	out := big.NewInt(0)
	for i := 0; i < len(id); i++ {
		d := digit[id[i]]
		if d < 0 {
			return nil, fmt.Errorf("%w: %q has a character out of [a-zA-Z0-9]", ErrMalformed, id)
		}
		out.Mul(out, base)
		out.Add(out, big.NewInt(int64(d+1)))
	}
	return out.Sub(out, one), nil
}

// Global builds the global id of local counter value `local` at `site`.
func Global(site, local uint64) (string, error) {
	if MaxSiteID <= site {
		return "", fmt.Errorf("%w: site %d is out of range", ErrMalformed, site)
	}
	if MaxLocalID <= local {
		return "", fmt.Errorf("%w: local id %d is out of range", ErrMalformed, local)
	}
	n := new(big.Int).SetUint64(site)
	n.Mul(n, maxLocalID)
	n.Add(n, new(big.Int).SetUint64(local))
	return Encode(n)
}

// Local builds the local id of counter value n.
func Local(n uint64) string {
	return EncodeUint(n)
}

// Split returns the site tag and the local part of a global id.
func Split(id string) (site uint64, local uint64, err error) {
	n, err := Decode(id)
	if err != nil {
		return 0, 0, err
	}
	s, l := new(big.Int).DivMod(n, maxLocalID, new(big.Int))
	if !s.IsUint64() {
		return 0, 0, fmt.Errorf("%w: site of %q overflows", ErrMalformed, id)
	}
	return s.Uint64(), l.Uint64(), nil
}

// Compare orders ids by the number they encode.
//
// Malformed ids are ordered after well-formed ones, then by byte order.
func Compare(a, b string) int {
	if !wellFormed(a) || !wellFormed(b) {
		switch {
		case wellFormed(a):
			return -1
		case wellFormed(b):
			return 1
		}
		return strings.Compare(a, b)
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := 0; i < len(a); i++ {
		da, db := digit[a[i]], digit[b[i]]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

func wellFormed(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if digit[id[i]] < 0 {
			return false
		}
	}
	return true
}

// Kind is a kind of record which has its own counter.
type Kind struct {
	// Name of the counter. It is also the name of the table.
	Name string

	// Global is true when the records of the kind get global ids.
	Global bool
}

func (k Kind) String() string { return k.Name }

var (
	Dataset      = Kind{Name: "dataset", Global: true}
	TaskTemplate = Kind{Name: "task_template", Global: true}
	Job          = Kind{Name: "job", Global: true}
	Task         = Kind{Name: "task", Global: true}
	Pilot        = Kind{Name: "pilot", Global: false}
)

// Kinds lists every Kind with a counter.
func Kinds() []Kind {
	return []Kind{Dataset, TaskTemplate, Job, Task, Pilot}
}

// Format encodes counter value n of kind k for site.
func Format(k Kind, site uint64, n uint64) (string, error) {
	if k.Global {
		return Global(site, n)
	}
	return Local(n), nil
}
