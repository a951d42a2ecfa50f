// Package collective implements the barrier, all-reduce, exclusive-scan,
// all-gather and broadcast primitives the create and extract engines use
// to turn independent per-worker results into a single globally consistent
// archive layout.
//
// A Group plays the role of an MPI communicator over a fixed number of
// goroutines: every collective call must be made by every rank, in the
// same order, exactly once per round, mirroring MPI's "collective
// operations are collective" contract. A rank suspends only while
// waiting for its peers to arrive at the same call.
package collective

import "sync"

// Group is a fixed-size set of cooperating ranks. It is safe for
// concurrent use by every rank's goroutine, provided each rank calls the
// same sequence of collective operations in the same order.
type Group struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	gen    int
	count  int
	slot   []any
	result []any // snapshot of slot for the last completed round
}

// NewGroup returns a Group for size ranks numbered [0, size).
func NewGroup(size int) *Group {
	if size <= 0 {
		size = 1
	}
	g := &Group{size: size, slot: make([]any, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// rendezvous blocks the calling rank until every rank has called
// rendezvous for the current round, then returns a snapshot of the shared
// slot. set stores the rank's contribution into the shared slot; once the
// last rank arrives, finalize (if non-nil) runs exactly once, with the
// lock held, to turn per-rank contributions into the round's result
// before every rank is released. The last rank takes the snapshot in the
// same critical section that completes the round, so it always reflects
// the just-completed round, never a subsequent one: the next round cannot
// complete (and replace the snapshot) until every waiter has rejoined.
func (g *Group) rendezvous(set func(slot []any), finalize func(slot []any)) []any {
	g.mu.Lock()
	defer g.mu.Unlock()

	mygen := g.gen
	set(g.slot)
	g.count++
	if g.count == g.size {
		if finalize != nil {
			finalize(g.slot)
		}
		g.result = make([]any, len(g.slot))
		copy(g.result, g.slot)
		g.count = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == mygen {
			g.cond.Wait()
		}
	}
	return g.result
}

// Barrier blocks the calling rank until every rank has called Barrier for
// the current round.
func (g *Group) Barrier(rank int) {
	g.rendezvous(func(slot []any) { slot[rank] = struct{}{} }, nil)
}

// AllReduce combines every rank's local value with combine (which must be
// associative and commutative, e.g. addition or min) and returns the
// combined result to every rank.
func AllReduce[T any](g *Group, rank int, local T, combine func(a, b T) T) T {
	out := g.rendezvous(
		func(slot []any) { slot[rank] = local },
		func(slot []any) {
			acc := slot[0].(T)
			for i := 1; i < len(slot); i++ {
				acc = combine(acc, slot[i].(T))
			}
			for i := range slot {
				slot[i] = acc
			}
		},
	)
	return out[rank].(T)
}

// ExclusiveScan returns, for each rank, the combination of every lower
// numbered rank's local value (the rank-0 result is zero). combine must be
// associative; it need not be commutative since ranks are strictly
// ordered.
func ExclusiveScan[T any](g *Group, rank int, local T, zero T, combine func(a, b T) T) T {
	out := g.rendezvous(
		func(slot []any) { slot[rank] = local },
		func(slot []any) {
			acc := zero
			vals := make([]T, len(slot))
			for i, v := range slot {
				vals[i] = v.(T)
			}
			for i := range slot {
				slot[i] = acc
				acc = combine(acc, vals[i])
			}
		},
	)
	return out[rank].(T)
}

// AllGather returns every rank's local value, indexed by rank, to every
// rank.
func AllGather[T any](g *Group, rank int, local T) []T {
	out := g.rendezvous(
		func(slot []any) { slot[rank] = local },
		nil,
	)
	result := make([]T, len(out))
	for i, v := range out {
		result[i] = v.(T)
	}
	return result
}

// Broadcast distributes root's value (the value argument is ignored on
// every other rank) to every rank.
func Broadcast[T any](g *Group, rank, root int, value T) T {
	out := g.rendezvous(
		func(slot []any) {
			if rank == root {
				slot[0] = value
			}
		},
		func(slot []any) {
			v := slot[0]
			for i := range slot {
				slot[i] = v
			}
		},
	)
	return out[rank].(T)
}
