// Package recurring decides how the loops of gridqd go on after each round.
package recurring

import (
	"fmt"
	"strings"
	"time"

	"github.com/opst/gridqueue/pkg/loop"
	"github.com/sirupsen/logrus"
)

// ParsePolicy reads "forever[:INTERVAL]" or "backlog".
func ParsePolicy(s string) (Policy, error) {
	typ, param, ok := strings.Cut(s, ":")
	switch typ {
	case "forever":
		if !ok || param == "" {
			return Forever(0), nil
		}
		interval, err := time.ParseDuration(param)
		if err != nil {
			return nil, fmt.Errorf(`failed to parse: %s as "forever:INTERVAL": %w`, s, err)
		}
		return Forever(interval), nil
	case "backlog":
		if ok {
			return nil, fmt.Errorf("backlog policy does not take parameters: %s", s)
		}
		return Backlog(), nil
	}
	return nil, fmt.Errorf("unknown policy name: %s (should be one of -- forever|backlog)", typ)
}

// Policy decides the next round from the outcome of a round.
type Policy interface {
	// Next is given whether the round did something, and its error.
	Next(updated bool, err error) loop.Next
	String() string
}

// Forever restarts at once while there is something to do.
// Otherwise, it restarts after interval.
func Forever(interval time.Duration) Policy {
	return forever(interval)
}

type forever time.Duration

func (f forever) String() string {
	return fmt.Sprintf("forever:%s", time.Duration(f).String())
}

func (f forever) Next(updated bool, _ error) loop.Next {
	if updated {
		return loop.Continue(0)
	}
	return loop.Continue(time.Duration(f))
}

// Backlog restarts at once while there is something to do.
// Otherwise, it stops.
func Backlog() Policy {
	return backlog{}
}

type backlog struct{}

func (backlog) String() string { return "backlog" }

func (backlog) Next(updated bool, _ error) loop.Next {
	if updated {
		return loop.Continue(0)
	}
	return loop.Break(nil)
}

// UntilError stops at the first error.
func UntilError(p Policy) Policy {
	return untilError{base: p}
}

type untilError struct {
	base Policy
}

func (u untilError) String() string {
	return fmt.Sprintf("%s (until error)", u.base.String())
}

func (u untilError) Next(updated bool, err error) loop.Next {
	if err != nil {
		return loop.Break(err)
	}
	return u.base.Next(updated, err)
}

// Tolerant logs errors and waits retry before the next round.
func Tolerant(p Policy, retry time.Duration, log logrus.FieldLogger) Policy {
	return tolerant{base: p, retry: retry, log: log}
}

type tolerant struct {
	base  Policy
	retry time.Duration
	log   logrus.FieldLogger
}

func (t tolerant) String() string {
	return fmt.Sprintf("%s (retry after %s on error)", t.base.String(), t.retry)
}

func (t tolerant) Next(updated bool, err error) loop.Next {
	if err != nil {
		t.log.WithError(err).Warn("round failed")
		return loop.Continue(t.retry)
	}
	return t.base.Next(updated, err)
}
