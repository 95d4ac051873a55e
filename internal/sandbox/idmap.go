package sandbox

import (
	"fmt"
)

// IDPair is one subordinate UID/GID allocation. It is an owned token: a
// worker holds it for the lifetime of exactly one request and must
// return it explicitly through Release; nothing reclaims it implicitly.
type IDPair struct {
	UID uint32
	GID uint32
}

// IDAllocator hands out UID/GID pairs from the pre-reserved subordinate
// range with an exclusive-acquire/exclusive-release discipline. The
// range is registered for the engine's service account by deployment
// tooling; the allocator never mints IDs outside it and never hands out
// 0.
type IDAllocator struct {
	free chan IDPair
}

// NewIDAllocator builds an allocator over [uidBase, uidBase+count) and
// [gidBase, gidBase+count).
func NewIDAllocator(uidBase, gidBase uint32, count int) (*IDAllocator, error) {
	if count <= 0 {
		return nil, fmt.Errorf("subordinate range size must be positive, got %d", count)
	}
	if uidBase == 0 || gidBase == 0 {
		return nil, fmt.Errorf("subordinate range must not include uid/gid 0")
	}
	free := make(chan IDPair, count)
	for i := 0; i < count; i++ {
		free <- IDPair{UID: uidBase + uint32(i), GID: gidBase + uint32(i)}
	}
	return &IDAllocator{free: free}, nil
}

// Acquire takes a pair or fails immediately with ErrNamespaceExhausted.
// Exhaustion is backpressure to the coordinator (the request is
// requeued), not a fatal process error, so this never blocks a worker.
func (a *IDAllocator) Acquire() (IDPair, error) {
	select {
	case pair := <-a.free:
		return pair, nil
	default:
		return IDPair{}, ErrNamespaceExhausted
	}
}

// Release returns a pair to the range.
func (a *IDAllocator) Release(pair IDPair) {
	select {
	case a.free <- pair:
	default:
		// A double release would overflow the buffer; dropping the pair
		// here keeps the invariant that each ID is held at most once.
	}
}

// Available returns the number of unallocated pairs.
func (a *IDAllocator) Available() int {
	return len(a.free)
}
