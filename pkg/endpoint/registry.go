// Package endpoint holds the static table of ChartMogul endpoints the
// extractor knows how to fetch.
package endpoint

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the pagination protocol of an endpoint.
type Kind int

const (
	// KindPage walks page=1,2,... until has_more is false or the last page is reached.
	KindPage Kind = iota + 1

	// KindCursor chases start-after with the last record's identifier.
	KindCursor

	// KindSingle issues exactly one request.
	KindSingle
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindCursor:
		return "cursor"
	case KindSingle:
		return "single"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParentPlaceholder is substituted with the parent identifier in child paths.
const ParentPlaceholder = "{parent}"

// Descriptor describes one logical endpoint.
type Descriptor struct {
	// Name is the logical endpoint name and the main output table.
	Name string

	// PathTemplate is relative to the API root and may contain ParentPlaceholder.
	PathTemplate string

	// ResultKey is the response field carrying the result array.
	ResultKey string

	// Kind selects the pagination protocol.
	Kind Kind

	// IDField identifies a record; cursors and parent sets are built from it.
	IDField string

	// Parent names the endpoint whose identifiers this endpoint fans out over.
	Parent string

	// ParentKeyField is the foreign-key column added to child records.
	ParentKeyField string

	// PrimaryKey columns of the main output table.
	PrimaryKey []string
}

// Path renders the request path for one parent identifier.
func (d Descriptor) Path(parentID string) string {
	return strings.ReplaceAll(d.PathTemplate, ParentPlaceholder, parentID)
}

// HasParent reports whether the endpoint fans out over another endpoint.
func (d Descriptor) HasParent() bool {
	return d.Parent != ""
}

var registry = map[string]Descriptor{
	"activities": {
		Name:         "activities",
		PathTemplate: "activities",
		ResultKey:    "entries",
		Kind:         KindCursor,
		IDField:      "uuid",
		PrimaryKey:   []string{"uuid"},
	},
	"customers": {
		Name:         "customers",
		PathTemplate: "customers",
		ResultKey:    "entries",
		Kind:         KindPage,
		IDField:      "uuid",
		PrimaryKey:   []string{"id", "uuid"},
	},
	"customers_subscriptions": {
		Name:           "customers_subscriptions",
		PathTemplate:   "customers/" + ParentPlaceholder + "/subscriptions",
		ResultKey:      "entries",
		Kind:           KindPage,
		IDField:        "uuid",
		Parent:         "customers",
		ParentKeyField: "customers_uuid",
		PrimaryKey:     []string{"uuid", "customers_uuid"},
	},
	"key_metrics": {
		Name:         "key_metrics",
		PathTemplate: "metrics/all",
		ResultKey:    "entries",
		Kind:         KindSingle,
		IDField:      "date",
		PrimaryKey:   []string{"date"},
	},
	"invoices": {
		Name:         "invoices",
		PathTemplate: "invoices",
		ResultKey:    "invoices",
		Kind:         KindPage,
		IDField:      "uuid",
		PrimaryKey:   []string{"uuid"},
	},
}

// childKeys are primary keys of tables split off nested arrays.
var childKeys = map[string][]string{
	"invoices_line_items":   {"uuid", "invoices_uuid"},
	"invoices_transactions": {"uuid", "invoices_uuid"},
}

// Lookup returns the descriptor registered under name.
func Lookup(name string) (Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names returns all endpoint names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrimaryKeyFor returns the primary key of an output table, main or child.
// Unknown tables have no primary key.
func PrimaryKeyFor(table string) []string {
	if d, ok := registry[table]; ok {
		return append([]string(nil), d.PrimaryKey...)
	}
	return append([]string(nil), childKeys[table]...)
}
