package schema

import (
	"encoding/json"
	"fmt"

	"scoutlight/registry"
)

// recordSegment is the single child key a JSONSchema instance occupies.
const recordSegment = "record"

// JSONSchema is the alternative mapping convention: the whole property map
// is stored as one JSON document under a single child key,
//
//	<clusterId>/service/<serviceName>/<instanceId>/record → {"k":"v",...}
//
// One write per registration at the cost of opaque values. Swappable with
// PropertySchema without touching any caller.
type JSONSchema struct {
	paths
}

// NewJSONSchema returns the JSON-blob schema.
func NewJSONSchema() *JSONSchema {
	return &JSONSchema{}
}

func (*JSONSchema) Name() string { return "json" }

func (s *JSONSchema) Serialize(rec *ServiceRecord) (map[string]string, error) {
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
	doc, err := json.Marshal(rec.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: encode properties of %s: %v", ErrMalformedRecord, rec, err)
	}
	return map[string]string{prefix + registry.Separator + recordSegment: string(doc)}, nil
}

func (s *JSONSchema) Deserialize(instancePrefix string, kvs []registry.KV) (*ServiceRecord, error) {
	clusterID, serviceName, instanceID, ok := splitInstancePrefix(instancePrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an instance prefix", ErrMalformedRecord, instancePrefix)
	}
	if len(kvs) != 1 {
		return nil, fmt.Errorf("%w: instance %q has %d children, want exactly one %q document",
			ErrMalformedRecord, instancePrefix, len(kvs), recordSegment)
	}
	want := instancePrefix + registry.Separator + recordSegment
	if kvs[0].Key != want {
		return nil, fmt.Errorf("%w: key %q is not the %q document of %q", ErrMalformedRecord, kvs[0].Key, recordSegment, instancePrefix)
	}
	var props map[string]string
	if err := json.Unmarshal([]byte(kvs[0].Value), &props); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrMalformedRecord, want, err)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("%w: instance %q has no properties", ErrMalformedRecord, instancePrefix)
	}
	return &ServiceRecord{
		ClusterID:   clusterID,
		ServiceName: serviceName,
		InstanceID:  instanceID,
		Properties:  props,
	}, nil
}
