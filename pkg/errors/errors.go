// Package errors annotates errors with the location where they are wrapped.
//
// Typical use:
//
//	if err != nil {
//		return xe.Wrap(err)
//	}
//
// The message of a wrapped error reads as a chain of "@ func file lN <- cause".
// Replacing " <- " with a newline gives a rough stack of the wrap sites.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Located is an error carrying the function, file and line it was wrapped at.
type Located struct {
	funcname string
	file     string
	line     int
	note     string
	cause    error
}

func (e *Located) File() string { return e.file }

func (e *Located) Line() int { return e.line }

func (e *Located) Func() string { return e.funcname }

// Note is the free-form annotation given to WrapWithNote. Empty for Wrap.
func (e *Located) Note() string { return e.note }

func (e *Located) Error() string {
	where := fmt.Sprintf(`@ %s "%s" l%d`, e.funcname, e.file, e.line)
	if e.note != "" {
		where += " (" + e.note + ")"
	}
	return where + " <- " + e.cause.Error()
}

func (e *Located) Unwrap() error { return e.cause }

// New creates a new error located at the caller.
func New(text string) error {
	return locate("", errors.New(text), 1)
}

// Errorf is fmt.Errorf located at the caller. %w verbs are honoured.
func Errorf(format string, args ...any) error {
	return locate("", fmt.Errorf(format, args...), 1)
}

// Wrap locates err at the caller. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return locate("", err, 1)
}

// WrapWithNote is Wrap with an annotation shown next to the location.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return locate(note, err, 1)
}

// WrapAsOuter locates err at the depth-th caller of the caller.
//
// Helpers that wrap on behalf of their caller use depth = 1.
func WrapAsOuter(err error, depth int) error {
	if err == nil {
		return nil
	}
	return locate("", err, depth+1)
}

func locate(note string, err error, depth int) error {
	located := &Located{funcname: "(unknown func)", file: "?", line: -1, note: note, cause: err}

	pc, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return located
	}
	located.file = file
	located.line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		located.funcname = fn.Name()
	}
	return located
}
