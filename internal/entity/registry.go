package entity

import (
	"sort"
	"time"
)

// Record is the opaque, serialized form of a synchronizable entity: a type
// name, a string id (integer and UUID keys both fit), and a flat field map.
type Record struct {
	Type      string
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
}

// Descriptor declares how one entity type participates in synchronization.
// The set of descriptors is fixed at compile time; free-form type names are
// rejected everywhere.
type Descriptor struct {
	Name string

	// DefaultPriority orders queue processing; lower is more urgent.
	DefaultPriority int

	// ExcludedFields are stripped before a payload is captured (binary
	// blobs, derived timestamps).
	ExcludedFields []string

	// EssentialFields is the narrower allow-list used by the offline cache.
	// Empty means "same as the sync payload".
	EssentialFields []string

	// Critical types are persisted to disk by the offline cache so they
	// survive restarts while disconnected.
	Critical bool

	// DefaultStrategy names the conflict strategy applied when the
	// per-store config has no override.
	DefaultStrategy string
}

// Excluded reports whether the named field is stripped from sync payloads.
func (d *Descriptor) Excluded(field string) bool {
	for _, f := range d.ExcludedFields {
		if f == field {
			return true
		}
	}
	return false
}

// The retail allow-list. Anything not named here is invisible to the sync
// engine.
var descriptors = map[string]*Descriptor{
	"product":          {Name: "product", DefaultPriority: 1, ExcludedFields: []string{"image"}, EssentialFields: []string{"code", "name", "price", "stock"}, Critical: true, DefaultStrategy: "central_priority"},
	"catalog":          {Name: "catalog", DefaultPriority: 2, DefaultStrategy: "central_priority"},
	"client":           {Name: "client", DefaultPriority: 2, ExcludedFields: []string{"photo"}, EssentialFields: []string{"code", "name", "discount"}, Critical: true, DefaultStrategy: "last_modified"},
	"order":            {Name: "order", DefaultPriority: 3, DefaultStrategy: "last_modified"},
	"order_item":       {Name: "order_item", DefaultPriority: 3, DefaultStrategy: "last_modified"},
	"inventory":        {Name: "inventory", DefaultPriority: 1, Critical: true, DefaultStrategy: "field_merge"},
	"transfer":         {Name: "transfer", DefaultPriority: 4, DefaultStrategy: "last_modified"},
	"transfer_item":    {Name: "transfer_item", DefaultPriority: 4, DefaultStrategy: "last_modified"},
	"refund":           {Name: "refund", DefaultPriority: 5, DefaultStrategy: "last_modified"},
	"discount_table":   {Name: "discount_table", DefaultPriority: 6, Critical: true, DefaultStrategy: "central_priority"},
	"client_discount":  {Name: "client_discount", DefaultPriority: 6, DefaultStrategy: "central_priority"},
	"supplier":         {Name: "supplier", DefaultPriority: 7, DefaultStrategy: "central_priority"},
	"requisition":      {Name: "requisition", DefaultPriority: 8, DefaultStrategy: "last_modified"},
	"requisition_item": {Name: "requisition_item", DefaultPriority: 8, DefaultStrategy: "last_modified"},
}

// Lookup returns the descriptor for a type name, or nil when the type is not
// synchronizable.
func Lookup(name string) *Descriptor {
	return descriptors[name]
}

// Types returns the registered type names in stable order.
func Types() []string {
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CriticalTypes returns the type names the offline cache persists to disk.
func CriticalTypes() []string {
	var names []string
	for _, name := range Types() {
		if descriptors[name].Critical {
			names = append(names, name)
		}
	}
	return names
}
