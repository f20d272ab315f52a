// Package domain holds the incident remediation data model shared by every
// component: incidents, diagnoses, proposed fixes, shadow environments and
// verification results.
package domain

import (
	"fmt"
	"strings"
)

// ResourceRef identifies one cluster resource.
type ResourceRef struct {
	Kind      string `json:"kind" validate:"required"`
	Namespace string `json:"namespace"`
	Name      string `json:"name" validate:"required"`
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// Key returns a lowercase identity usable as a map key.
func (r ResourceRef) Key() string {
	return strings.ToLower(r.String())
}

// ParseResourceRef parses "Kind/namespace/name". A two-part value
// ("Kind/name") is placed in the default namespace.
func ParseResourceRef(s string) (ResourceRef, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			break
		}
		return ResourceRef{Kind: parts[0], Namespace: "default", Name: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			break
		}
		return ResourceRef{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
	}
	return ResourceRef{}, fmt.Errorf("invalid resource reference %q: want Kind/namespace/name", s)
}
