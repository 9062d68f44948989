// Package resources handles declared resource requirements of tasks and the
// resource envelopes offered by pilots.
//
// Values in JSON may be numbers or kubernetes-style quantity strings like
// "4Gi" or "500m". Nested objects are flattened with dotted keys, so
//
//	{"gpu": {"count": 1}, "memory": "2Gi"}
//
// becomes {"gpu.count": 1, "memory": 2147483648}.
package resources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Resources is a flat map from resource name to amount.
type Resources map[string]float64

// Parse flattens a decoded JSON (or yaml) object into Resources.
func Parse(raw map[string]any) (Resources, error) {
	out := Resources{}
	if err := flatten(out, "", raw); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseJSON parses a JSON object. Empty input and "null" give empty Resources.
func ParseJSON(b []byte) (Resources, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return Resources{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequirement, err)
	}
	return Parse(raw)
}

func flatten(out Resources, prefix string, raw map[string]any) error {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			if err := flatten(out, key, vv); err != nil {
				return err
			}
		default:
			f, err := amount(vv)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrBadRequirement, key, err)
			}
			out[key] = f
		}
	}
	return nil
}

func amount(v any) (float64, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case bool:
		if vv {
			return 1, nil
		}
		return 0, nil
	case float64:
		return vv, nil
	case float32:
		return float64(vv), nil
	case int:
		return float64(vv), nil
	case int64:
		return float64(vv), nil
	case uint64:
		return float64(vv), nil
	case json.Number:
		if f, err := vv.Float64(); err == nil {
			return f, nil
		}
		return quantity(string(vv))
	case string:
		return quantity(vv)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

func quantity(s string) (float64, error) {
	q, err := resource.ParseQuantity(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return q.AsApproximateFloat64(), nil
}

// Fits reports whether every requirement is satisfied by envelope.
//
// A required key missing from envelope does not fit.
// Keys of envelope which are not required do not matter.
func (r Resources) Fits(envelope Resources) bool {
	for k, need := range r {
		have, ok := envelope[k]
		if !ok || have < need {
			return false
		}
	}
	return true
}

// Keys returns the resource names in sorted order.
func (r Resources) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Resources) Equal(o Resources) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON writes a flat JSON object. nil is written as {}.
func (r Resources) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]float64(r))
}

func (r *Resources) UnmarshalJSON(b []byte) error {
	parsed, err := ParseJSON(b)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r *Resources) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
