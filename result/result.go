package result

// Of carries either a value or the error that prevented producing it.
type Of[T any] struct {
	v   *T
	err error
}

func Ok[T any](v *T) Of[T] {
	return Of[T]{v: v, err: nil}
}

func Err[T any](err error) Of[T] {
	return Of[T]{v: nil, err: err}
}

func (r Of[T]) Err() error {
	return r.err
}

func (r Of[T]) IsOk() bool {
	return nil == r.err
}

// Unwrap returns the value. It panics when called on an error result.
func (r Of[T]) Unwrap() *T {
	if nil != r.err {
		panic("unwrap called on error result: " + r.err.Error())
	}
	return r.v
}
