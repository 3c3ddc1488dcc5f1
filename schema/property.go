package schema

import (
	"fmt"

	"scoutlight/registry"
)

// PropertySchema is the default mapping convention: one registry key per
// property,
//
//	<clusterId>/service/<serviceName>/<instanceId>/<propertyName> → value
//
// Single-property updates stay cheap and the stored layout is readable by
// any tooling that understands the namespace convention.
type PropertySchema struct {
	paths
}

// NewPropertySchema returns the default per-property schema.
func NewPropertySchema() *PropertySchema {
	return &PropertySchema{}
}

func (*PropertySchema) Name() string { return "property" }

func (s *PropertySchema) Serialize(rec *ServiceRecord) (map[string]string, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(rec.Properties) == 0 {
		return nil, fmt.Errorf("%w: record %s has no properties", ErrMalformedRecord, rec)
	}
	prefix, err := s.InstancePrefix(rec.ClusterID, rec.ServiceName, rec.InstanceID)
	if err != nil {
		return nil, err
	}
	kvs := make(map[string]string, len(rec.Properties))
	for name, value := range rec.Properties {
		kvs[prefix+registry.Separator+name] = value
	}
	return kvs, nil
}

func (s *PropertySchema) Deserialize(instancePrefix string, kvs []registry.KV) (*ServiceRecord, error) {
	clusterID, serviceName, instanceID, ok := splitInstancePrefix(instancePrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an instance prefix", ErrMalformedRecord, instancePrefix)
	}
	if len(kvs) == 0 {
		return nil, fmt.Errorf("%w: instance %q has no properties", ErrMalformedRecord, instancePrefix)
	}
	props := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.Key == instancePrefix {
			return nil, fmt.Errorf("%w: grouping node %q holds a value", ErrMalformedRecord, instancePrefix)
		}
		name, ok := ChildSegment(instancePrefix, kv.Key)
		if !ok || instancePrefix+registry.Separator+name != kv.Key {
			return nil, fmt.Errorf("%w: key %q is not a property of %q", ErrMalformedRecord, kv.Key, instancePrefix)
		}
		props[name] = kv.Value
	}
	return &ServiceRecord{
		ClusterID:   clusterID,
		ServiceName: serviceName,
		InstanceID:  instanceID,
		Properties:  props,
	}, nil
}
