// Package schema maps service records to and from key/value pairs in the
// registry namespace. The mapping convention is pluggable: the default
// PropertySchema stores one key per property, JSONSchema stores a single
// JSON document per instance. Callers depend only on the Schema contract,
// never on the key shape.
//
// The namespace convention shared by both schemas is:
//
//	<clusterId>/service/<serviceName>/<instanceId>[/<child>]
//
// The three-segment instance prefix is a pure grouping node and never holds
// a value of its own.
package schema

import (
	"errors"
	"sort"
	"strings"

	"scoutlight/registry"
)

var (
	// ErrMalformedRecord reports stored keys that cannot be turned back into
	// a valid ServiceRecord.
	ErrMalformedRecord = errors.New("schema: malformed record")

	// ErrInvalidIdentifier reports an identifier or property name that is
	// empty or contains the namespace separator.
	ErrInvalidIdentifier = errors.New("schema: invalid identifier")
)

// serviceSegment is the fixed segment separating the cluster from its
// services. Exposed convention, bit-exact for interop with other tooling
// reading the same store.
const serviceSegment = "service"

// Schema serializes service records into registry key/value pairs and back.
// Implementations are stateless and safe for concurrent use.
type Schema interface {
	// Name identifies the mapping convention.
	Name() string

	// Serialize maps a record to the exact key/value set representing it.
	// Deterministic: equal records produce equal key sets, so re-writing a
	// registration overwrites rather than accumulates.
	Serialize(rec *ServiceRecord) (map[string]string, error)

	// Deserialize rebuilds a record from the children of instancePrefix.
	// It fails with ErrMalformedRecord when there are no children or a key
	// does not resolve to exactly one child segment under the prefix.
	Deserialize(instancePrefix string, kvs []registry.KV) (*ServiceRecord, error)

	// ClusterPrefix, ServicePrefix and InstancePrefix are pure path
	// constructors, no I/O.
	ClusterPrefix(clusterID string) (string, error)
	ServicePrefix(clusterID, serviceName string) (string, error)
	InstancePrefix(clusterID, serviceName, instanceID string) (string, error)

	// InstanceID extracts the instance identifier from a key below
	// servicePrefix. It returns false for keys outside the prefix.
	InstanceID(servicePrefix, key string) (string, bool)
}

// Orphans returns the keys present in prior but absent from next: the keys a
// re-registration must delete so that removed properties do not linger.
// The result is sorted for deterministic write ordering.
func Orphans(prior []string, next map[string]string) []string {
	var orphaned []string
	for _, k := range prior {
		if _, ok := next[k]; !ok {
			orphaned = append(orphaned, k)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// ChildSegment returns the first path segment of key below prefix. An empty
// prefix addresses the namespace root.
func ChildSegment(prefix, key string) (string, bool) {
	rest := key
	if prefix != "" {
		if !registry.HasParent(key, prefix) {
			return "", false
		}
		rest = key[len(prefix)+1:]
	}
	if rest == "" {
		return "", false
	}
	if i := strings.Index(rest, registry.Separator); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

// paths implements the shared namespace layout for both schema conventions.
type paths struct{}

func (paths) ClusterPrefix(clusterID string) (string, error) {
	if err := validateSegment("cluster id", clusterID); err != nil {
		return "", err
	}
	return clusterID + registry.Separator + serviceSegment, nil
}

func (p paths) ServicePrefix(clusterID, serviceName string) (string, error) {
	cp, err := p.ClusterPrefix(clusterID)
	if err != nil {
		return "", err
	}
	if err = validateSegment("service name", serviceName); err != nil {
		return "", err
	}
	return cp + registry.Separator + serviceName, nil
}

func (p paths) InstancePrefix(clusterID, serviceName, instanceID string) (string, error) {
	sp, err := p.ServicePrefix(clusterID, serviceName)
	if err != nil {
		return "", err
	}
	if err = validateSegment("instance id", instanceID); err != nil {
		return "", err
	}
	return sp + registry.Separator + instanceID, nil
}

func (paths) InstanceID(servicePrefix, key string) (string, bool) {
	return ChildSegment(servicePrefix, key)
}

// splitInstancePrefix recovers the identity triple from an instance prefix.
func splitInstancePrefix(prefix string) (clusterID, serviceName, instanceID string, ok bool) {
	parts := strings.Split(prefix, registry.Separator)
	if len(parts) != 4 || parts[1] != serviceSegment {
		return "", "", "", false
	}
	for _, p := range []string{parts[0], parts[2], parts[3]} {
		if p == "" {
			return "", "", "", false
		}
	}
	return parts[0], parts[2], parts[3], true
}
