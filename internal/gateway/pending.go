package gateway

// Pending is a value that resolves on the next Flush of the Conn it was
// queued on.
type Pending[T any] struct {
	value T
	err   error
	done  bool
}

// Get returns the resolved value. Before the flush it returns ErrNotFlushed.
func (p *Pending[T]) Get() (T, error) {
	if !p.done {
		var zero T
		return zero, ErrNotFlushed
	}
	return p.value, p.err
}

// Resolved reports whether the flush has happened.
func (p *Pending[T]) Resolved() bool { return p.done }

func (p *Pending[T]) resolve(v T, err error) {
	p.value, p.err, p.done = v, err, true
}

// ResolvedPending returns a Pending that already holds v. Useful for fakes.
func ResolvedPending[T any](v T, err error) *Pending[T] {
	p := &Pending[T]{}
	p.resolve(v, err)
	return p
}
