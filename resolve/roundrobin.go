package resolve

import (
	"fmt"
	"sync"
)

// RoundRobin rotates through the instances of a snapshot in lexical ID
// order. The cursor is the last selected instance ID rather than an index,
// so rotation carries over cleanly when the instance set changes between
// calls: the successor of the cursor is picked, and if the cursor itself has
// been evicted the rotation resumes from the head of the ordering.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobin struct {
	mu   sync.Mutex
	last string
}

// NewRoundRobin returns a round-robin strategy with a fresh cursor.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Select(snap *Snapshot) (string, error) {
	ids := snap.IDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstanceAvailable, serviceLabel(snap))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := ids[0]
	for i, id := range ids {
		if id == r.last {
			next = ids[(i+1)%len(ids)]
			break
		}
	}
	r.last = next
	return next, nil
}

func (*RoundRobin) Name() string { return "round_robin" }

func serviceLabel(snap *Snapshot) string {
	if snap == nil {
		return "<nil snapshot>"
	}
	return snap.ClusterID + "/" + snap.ServiceName
}
