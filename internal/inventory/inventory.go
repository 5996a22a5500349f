// Package inventory resolves device selectors against the inventory of
// record. Devices are constructed per execution and never persisted here:
// the inventory system owns them, we only read through.
package inventory

import (
	"context"
	"sort"
)

// Device is one network element as the inventory describes it.
type Device struct {
	Name           string            `json:"name" yaml:"name"`
	Address        string            `json:"address" yaml:"address"`
	Platform       string            `json:"platform" yaml:"platform"`
	CredentialsRef string            `json:"credentials_ref" yaml:"credentials"`
	Groups         []string          `json:"groups,omitempty" yaml:"groups"`
	Attributes     map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// Attr returns a device attribute, "" when absent.
func (d Device) Attr(key string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[key]
}

// InGroup reports whether the device carries the group tag.
func (d Device) InGroup(tag string) bool {
	for _, g := range d.Groups {
		if equalFold(g, tag) {
			return true
		}
	}
	return false
}

// Provider is the inventory-of-record collaborator.
type Provider interface {
	// List returns the full roster.
	List(ctx context.Context) ([]Device, error)
	// Get returns one device by exact name. Missing devices surface as a
	// NotFound error.
	Get(ctx context.Context, name string) (Device, error)
}

// Resolution is the outcome of resolving a selector. Missing names are
// reported, they do not abort resolution.
type Resolution struct {
	Resolved []Device `json:"resolved"`
	Missing  []string `json:"missing,omitempty"`
}

// Names lists resolved device names in stable order.
func (r Resolution) Names() []string {
	names := make([]string, len(r.Resolved))
	for i, d := range r.Resolved {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}
