package resolve

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// DefaultWeightProperty is the property WeightedRandom reads when none is
// configured.
const DefaultWeightProperty = "weight"

// WeightedRandom selects an instance at random with probability proportional
// to its published weight property. Instances without a usable weight count
// as weight 1, so a mixed fleet still receives traffic everywhere.
//
// Best for: heterogeneous instances (different CPU/memory).
type WeightedRandom struct {
	mu       sync.Mutex
	rng      *rand.Rand
	property string
}

// NewWeightedRandom returns a weighted-random strategy reading the given
// property ("" selects the default).
func NewWeightedRandom(property string) *WeightedRandom {
	if property == "" {
		property = DefaultWeightProperty
	}
	return &WeightedRandom{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		property: property,
	}
}

func (w *WeightedRandom) Select(snap *Snapshot) (string, error) {
	ids := snap.IDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstanceAvailable, serviceLabel(snap))
	}

	weights := make([]int, len(ids))
	total := 0
	for i, id := range ids {
		weights[i] = w.weight(snap, id)
		total += weights[i]
	}

	w.mu.Lock()
	n := w.rng.Intn(total)
	w.mu.Unlock()

	for i, id := range ids {
		n -= weights[i]
		if n < 0 {
			return id, nil
		}
	}
	return ids[0], nil
}

func (*WeightedRandom) Name() string { return "weighted_random" }

func (w *WeightedRandom) weight(snap *Snapshot, id string) int {
	raw, ok := snap.Instances[id].Properties[w.property]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
