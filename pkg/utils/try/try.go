// Package try holds (value, error) pairs for terse test setup.
//
//	ds := try.To(repo.GetDataset(ctx, id)).OrFatal(t)
package try

// Fataler is anything with Fatal, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either is a value or an error.
type Either[T any] interface {
	// Get returns the pair as it is.
	Get() (T, error)

	// OrFatal returns the value, or calls ftl.Fatal with the error.
	//
	// ftl.Helper() is called first when ftl has it.
	OrFatal(ftl Fataler) T

	// OrDefault returns the value, or d when there is an error.
	OrDefault(d T) T
}

// To wraps a (value, error) pair, typically the result of a function call.
func To[T any](value T, err error) Either[T] {
	return either[T]{value: value, err: err}
}

// Map converts the value of e when it has no error.
func Map[T, R any](e Either[T], mapper func(T) R) Either[R] {
	v, err := e.Get()
	if err != nil {
		return either[R]{err: err}
	}
	return either[R]{value: mapper(v)}
}

type either[T any] struct {
	value T
	err   error
}

func (e either[T]) Get() (T, error) {
	if e.err != nil {
		return *new(T), e.err
	}
	return e.value, nil
}

func (e either[T]) OrDefault(d T) T {
	if e.err != nil {
		return d
	}
	return e.value
}

func (e either[T]) OrFatal(ftl Fataler) T {
	if e.err == nil {
		return e.value
	}
	if h, ok := ftl.(interface{ Helper() }); ok {
		h.Helper()
	}
	ftl.Fatal(e.err)
	return *new(T)
}
