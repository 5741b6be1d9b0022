package pyramid

import "github.com/micro-manager/NDStorage/indexfile"

// Future is the handle returned by PutImage/PutImageMultiRes: a single
// result produced exactly once by the dataset's writer goroutine.
type Future[T any] struct {
	ch chan futureResult[T]
}

type futureResult[T any] struct {
	val T
	err error
}

// newFuture returns an unresolved Future and the resolve function the
// writer goroutine calls exactly once to settle it.
func newFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{ch: make(chan futureResult[T], 1)}
	resolved := false
	return f, func(val T, err error) {
		if resolved {
			return
		}
		resolved = true
		f.ch <- futureResult[T]{val: val, err: err}
	}
}

// Get blocks until the future is resolved and returns its value or
// error.
func (f *Future[T]) Get() (T, error) {
	r := <-f.ch
	f.ch <- r // allow repeated Get calls to observe the same result
	return r.val, r.err
}

// EntryFuture is the concrete future type returned by writes.
type EntryFuture = Future[indexfile.Entry]
