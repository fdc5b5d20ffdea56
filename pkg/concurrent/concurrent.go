// Package concurrent provides the bounded fan-out helper the Event Bus
// dispatch loop runs every emission through, grounded on the teacher's
// pkg/concurrent/concurrent.go (Concurrent over a sequence.Iterator via
// errgroup). The teacher's Concurrent spawned one goroutine per element
// with no cap; this version adds the SetLimit bound spec.md §5 requires
// ("a bounded thread pool sized to physical cores").
package concurrent

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/gorcd/pkg/sequence"
)

// DefaultLimit sizes a fan-out to the number of schedulable OS threads,
// matching spec.md §5's "bounded thread pool sized to physical cores".
func DefaultLimit() int {
	return runtime.GOMAXPROCS(0)
}

// Concurrent runs action for every element i yields, at most limit of them
// running at once (via errgroup.Group.SetLimit; limit <= 0 falls back to
// DefaultLimit). All actions are scheduled before Concurrent blocks
// draining them; onScheduled, if non-nil, is called once scheduling is
// complete but before the wait, so a caller holding a scheduling-order
// lock (the bus's per-key FIFO lock) can release it before the last
// actions finish. With more than limit elements, scheduling a later one
// waits for an earlier one to finish, so onScheduled then runs only after
// all but at most limit actions have finished. Concurrent returns the first error
// any action returns; the rest still run to completion.
func Concurrent[T any](i *sequence.Iterator[T], limit int, onScheduled func(), action func(T) error) error {
	if limit <= 0 {
		limit = DefaultLimit()
	}
	group := errgroup.Group{}
	group.SetLimit(limit)

	next, stop := i.Pull()
	defer stop()

	for {
		value, valid := next()
		if !valid {
			break
		}
		group.Go(func() error {
			return action(value)
		})
	}

	if onScheduled != nil {
		onScheduled()
	}
	return group.Wait()
}
