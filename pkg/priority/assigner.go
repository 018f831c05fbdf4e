// Package priority hands out scheduling priorities for work items.
package priority

const (
	// Max is the starting value of the counter and the value it wraps back to.
	Max = 200
	// Min is the lowest priority the counter emits.
	Min = 1
)

// Assigner produces descending priorities in the order items are built, so
// earlier items are served first. It is not safe for concurrent use; one
// Assigner covers a single orchestration run.
type Assigner struct {
	counter int
}

// NewAssigner returns an Assigner starting at Max.
func NewAssigner() *Assigner {
	return &Assigner{counter: Max}
}

// Next returns the priority for the next item. A non-nil, non-zero custom
// priority is returned unchanged and leaves the counter alone; zero counts
// as no override.
func (a *Assigner) Next(custom *int) int {
	if custom != nil && *custom != 0 {
		return *custom
	}
	a.counter--
	if a.counter < Min {
		a.counter = Max
	}
	return a.counter
}
