// Package registry defines the hierarchical key/value store contract that
// service discovery is built on, plus two backends that satisfy it: a
// persistent etcd-backed registry and a transient in-memory registry.
//
// Keys form a flat namespace with '/' as the hierarchy separator, e.g.:
//
//	Key:   my_cluster/service/billing/i-42/host
//	Value: 10.0.0.7
//
// Callers above this package never see backend specifics — only get, put,
// delete, list-children and watch.
package registry

import (
	"context"
	"errors"
)

// Separator is the hierarchy separator. It is reserved and must not appear
// inside any key segment.
const Separator = "/"

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("registry: key not found")

// EventType classifies a change observed by a watch.
type EventType int

const (
	Added EventType = iota
	Updated
	Deleted
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "ADDED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single change delivered by a watch stream. Revision is a
// monotonically increasing marker assigned by the backend; events on one
// stream are delivered in revision order.
type Event struct {
	Type     EventType
	Key      string
	Value    string
	Revision int64
}

// KV is a key together with its stored value.
type KV struct {
	Key   string
	Value string
}

// Registry is the store consumed by the discovery layer.
//
// Implementations must be safe for concurrent use.
type Registry interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value at key, overwriting any previous value.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListChildren returns every key/value pair strictly below prefix
	// (at any depth), sorted by key, together with the store revision the
	// listing was taken at. An absent prefix yields an empty list.
	ListChildren(ctx context.Context, prefix string) ([]KV, int64, error)

	// Watch streams changes to keys below prefix, starting just after
	// revision fromRev (0 means "from now"). The channel is closed when ctx
	// is cancelled or the stream fails; callers detect failure by the close
	// and re-establish with the revision they have applied up to.
	Watch(ctx context.Context, prefix string, fromRev int64) (<-chan Event, error)

	// Close releases backend resources. The registry cannot be reused.
	Close() error
}

// HasParent reports whether key lives below prefix. An empty prefix matches
// every key.
func HasParent(key, prefix string) bool {
	if prefix == "" {
		return key != ""
	}
	return len(key) > len(prefix)+1 && key[:len(prefix)] == prefix && key[len(prefix)] == Separator[0]
}
