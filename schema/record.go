package schema

import (
	"fmt"
	"strings"

	"scoutlight/registry"
)

// ServiceRecord describes one running instance of a service within a
// cluster. The (ClusterID, ServiceName, InstanceID) triple is the record's
// identity; Properties carry per-instance metadata such as address, load or
// health score.
type ServiceRecord struct {
	ClusterID   string
	ServiceName string
	InstanceID  string
	Properties  map[string]string
}

// Validate checks the record identity invariants: all three identifiers are
// non-empty and free of the namespace separator, and every property name is
// a valid segment.
func (r *ServiceRecord) Validate() error {
	return r.validate(false)
}

// ValidateForRegistration is Validate with an empty InstanceID permitted,
// for records whose identifier is generated at registration time.
func (r *ServiceRecord) ValidateForRegistration() error {
	return r.validate(true)
}

func (r *ServiceRecord) validate(allowEmptyID bool) error {
	if err := validateSegment("cluster id", r.ClusterID); err != nil {
		return err
	}
	if err := validateSegment("service name", r.ServiceName); err != nil {
		return err
	}
	if !(allowEmptyID && r.InstanceID == "") {
		if err := validateSegment("instance id", r.InstanceID); err != nil {
			return err
		}
	}
	for name := range r.Properties {
		if err := validateSegment("property name", name); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *ServiceRecord) Clone() *ServiceRecord {
	c := *r
	c.Properties = make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		c.Properties[k] = v
	}
	return &c
}

func (r *ServiceRecord) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ClusterID, r.ServiceName, r.InstanceID)
}

func validateSegment(what, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidIdentifier, what)
	}
	if strings.Contains(s, registry.Separator) {
		return fmt.Errorf("%w: %s %q contains the separator %q", ErrInvalidIdentifier, what, s, registry.Separator)
	}
	return nil
}
