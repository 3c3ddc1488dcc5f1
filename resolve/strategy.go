// Package resolve selects one service instance out of the currently known
// set, according to a pluggable strategy.
//
// Three strategies are implemented:
//   - RoundRobin:     stateless services, equal-capacity instances
//   - HealthAware:    pick the instance with the best published load/health
//   - WeightedRandom: heterogeneous instances with a published weight
//
// Strategies never perform I/O: they are functions of the snapshot they are
// handed plus their own bookkeeping, which survives snapshot refreshes.
package resolve

import (
	"errors"
	"sort"

	"scoutlight/schema"
)

var (
	// ErrNoInstanceAvailable means the snapshot was loaded but holds no
	// instances for the requested service.
	ErrNoInstanceAvailable = errors.New("resolve: no instance available")

	// ErrMissingHealthProperty means a strictly configured HealthAware
	// strategy met an instance without the required property.
	ErrMissingHealthProperty = errors.New("resolve: missing health property")
)

// Snapshot is a point-in-time view of the instances of one
// (cluster, service) pair. Snapshots are immutable once published: the
// discovery engine replaces the whole snapshot on every change and
// strategies only read it.
type Snapshot struct {
	ClusterID   string
	ServiceName string

	// Version increases monotonically with every applied registry change.
	Version int64

	// Instances maps instance ID to its record.
	Instances map[string]*schema.ServiceRecord
}

// Len returns the number of instances in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Instances)
}

// IDs returns the instance identifiers in lexical order — the stable
// ordering every deterministic strategy rotates or tie-breaks over.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Instances))
	for id := range s.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Strategy picks one instance from a snapshot. A strategy instance is bound
// to a single (cluster, service) pair and must be safe for concurrent Select
// calls; internal state updates are serialized by the implementation.
type Strategy interface {
	// Select returns the chosen instance ID, or ErrNoInstanceAvailable when
	// the snapshot is empty.
	Select(snap *Snapshot) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Factory creates a fresh Strategy with its own state. The discovery engine
// calls it once per (cluster, service) pair.
type Factory func() Strategy
