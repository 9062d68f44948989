package resources_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/opst/gridqueue/pkg/resources"
	"github.com/opst/gridqueue/pkg/utils/try"
	"gopkg.in/yaml.v3"
)

func TestParseJSON(t *testing.T) {
	type Then struct {
		resources resources.Resources
		err       error
	}
	theory := func(when string, then Then) func(*testing.T) {
		return func(t *testing.T) {
			got, err := resources.ParseJSON([]byte(when))
			if then.err != nil {
				if !errors.Is(err, then.err) {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(then.resources) {
				t.Errorf("got %v, want %v", got, then.resources)
			}
		}
	}

	t.Run("numbers are taken as they are", theory(
		`{"cpu": 2, "gpu": 0.5}`,
		Then{resources: resources.Resources{"cpu": 2, "gpu": 0.5}},
	))
	t.Run("quantity strings are parsed", theory(
		`{"memory": "2Ki", "cpu": "500m", "disk": "1"}`,
		Then{resources: resources.Resources{"memory": 2048, "cpu": 0.5, "disk": 1}},
	))
	t.Run("nested objects are flattened with dots", theory(
		`{"gpu": {"count": 1, "memory": "1Ki"}}`,
		Then{resources: resources.Resources{"gpu.count": 1, "gpu.memory": 1024}},
	))
	t.Run("booleans become 1 or 0", theory(
		`{"cvmfs": true, "docker": false}`,
		Then{resources: resources.Resources{"cvmfs": 1, "docker": 0}},
	))
	t.Run("empty input gives empty resources", theory(
		``,
		Then{resources: resources.Resources{}},
	))
	t.Run("null gives empty resources", theory(
		`null`,
		Then{resources: resources.Resources{}},
	))
	t.Run("garbage string is an error", theory(
		`{"memory": "lots"}`,
		Then{err: resources.ErrBadRequirement},
	))
	t.Run("array is an error", theory(
		`{"memory": [1, 2]}`,
		Then{err: resources.ErrBadRequirement},
	))
	t.Run("non-object is an error", theory(
		`[1]`,
		Then{err: resources.ErrBadRequirement},
	))
}

func TestFits(t *testing.T) {
	envelope := resources.Resources{"cpu": 4, "memory": 8e9}

	for name, testcase := range map[string]struct {
		req  resources.Resources
		want bool
	}{
		"no requirement fits anything":     {req: resources.Resources{}, want: true},
		"requirement within envelope fits": {req: resources.Resources{"cpu": 4, "memory": 1e9}, want: true},
		"requirement over envelope does not fit": {
			req: resources.Resources{"cpu": 5}, want: false,
		},
		"requirement not offered by envelope does not fit": {
			req: resources.Resources{"gpu": 1}, want: false,
		},
	} {
		t.Run(name, func(t *testing.T) {
			if got := testcase.req.Fits(envelope); got != testcase.want {
				t.Errorf("Fits = %v, want %v", got, testcase.want)
			}
		})
	}
}

func TestResources_Serialization(t *testing.T) {
	t.Run("JSON of nil is an empty object", func(t *testing.T) {
		var r resources.Resources
		if got := string(try.To(json.Marshal(r)).OrFatal(t)); got != "{}" {
			t.Errorf("got %s", got)
		}
	})

	t.Run("it can be read from yaml with quantities", func(t *testing.T) {
		var r resources.Resources
		if err := yaml.Unmarshal([]byte("cpu: 2\nmemory: 1Ki\n"), &r); err != nil {
			t.Fatal(err)
		}
		want := resources.Resources{"cpu": 2, "memory": 1024}
		if !r.Equal(want) {
			t.Errorf("got %v, want %v", r, want)
		}
	})
}
