package try_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/opst/gridqueue/pkg/utils/try"
)

type recorder struct {
	fatal  [][]any
	helper int
}

func (r *recorder) Fatal(args ...any) { r.fatal = append(r.fatal, args) }

func (r *recorder) Helper() { r.helper += 1 }

func TestEither(t *testing.T) {
	t.Run("when it has a value", func(t *testing.T) {
		testee := try.To(42, nil)

		rec := &recorder{}
		if got := testee.OrFatal(rec); got != 42 {
			t.Errorf("OrFatal = %d", got)
		}
		if len(rec.fatal) != 0 || rec.helper != 0 {
			t.Errorf("Fatal or Helper is called: %+v", rec)
		}
		if got := testee.OrDefault(7); got != 42 {
			t.Errorf("OrDefault = %d", got)
		}
		if got := try.Map(testee, strconv.Itoa).OrDefault(""); got != "42" {
			t.Errorf("Map = %q", got)
		}
	})

	t.Run("when it has an error", func(t *testing.T) {
		cause := errors.New("ng")
		testee := try.To(42, cause)

		rec := &recorder{}
		if got := testee.OrFatal(rec); got != 0 {
			t.Errorf("OrFatal = %d, want zero value", got)
		}
		if len(rec.fatal) != 1 || rec.fatal[0][0] != cause {
			t.Errorf("Fatal is not called with the error: %+v", rec.fatal)
		}
		if rec.helper != 1 {
			t.Errorf("Helper is called %d times", rec.helper)
		}
		if got := testee.OrDefault(7); got != 7 {
			t.Errorf("OrDefault = %d", got)
		}
		if _, err := try.Map(testee, strconv.Itoa).Get(); !errors.Is(err, cause) {
			t.Errorf("Map lost the error: %v", err)
		}
	})
}
