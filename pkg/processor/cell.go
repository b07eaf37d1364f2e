package processor

// Cell holds the state of a processor's state machine. Transitions take the
// current value out, compute the next one and store it back, so a state that
// owns resources is never visible twice.
type Cell[S any] struct {
	state S
}

// NewCell returns a cell holding initial.
func NewCell[S any](initial S) *Cell[S] {
	return &Cell[S]{state: initial}
}

// Get returns the current state without taking it.
func (c *Cell[S]) Get() S { return c.state }

// Take removes the current state, leaving the zero value behind.
func (c *Cell[S]) Take() S {
	s := c.state
	var zero S
	c.state = zero
	return s
}

// Store replaces the state.
func (c *Cell[S]) Store(s S) { c.state = s }

// Step takes the state, applies fn and stores the result. The state returned
// by fn is stored even when fn also returns an error.
func (c *Cell[S]) Step(fn func(S) (S, error)) error {
	next, err := fn(c.Take())
	c.state = next
	return err
}
