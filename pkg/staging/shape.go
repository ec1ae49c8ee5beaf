package staging

import (
	"sort"
	"sync"
)

// TableShape describes one output table.
type TableShape struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	Children   []string `json:"children,omitempty"`
}

// ShapeTracker accumulates column lists per table. Columns keep the order
// they were first seen in; a column once known is never removed.
type ShapeTracker struct {
	mu         sync.Mutex
	columns    map[string][]string
	known      map[string]map[string]struct{}
	children   map[string]map[string]struct{}
	touched    map[string]struct{}
	primaryKey func(table string) []string
}

// NewShapeTracker seeds the tracker with columns from a previous run.
// primaryKey may be nil.
func NewShapeTracker(prior map[string][]string, primaryKey func(table string) []string) *ShapeTracker {
	t := &ShapeTracker{
		columns:    make(map[string][]string, len(prior)),
		known:      make(map[string]map[string]struct{}, len(prior)),
		children:   make(map[string]map[string]struct{}),
		touched:    make(map[string]struct{}),
		primaryKey: primaryKey,
	}
	for table, cols := range prior {
		for _, col := range cols {
			t.addColumn(table, col)
		}
	}
	return t
}

func (t *ShapeTracker) addColumn(table, col string) {
	set, ok := t.known[table]
	if !ok {
		set = make(map[string]struct{})
		t.known[table] = set
	}
	if _, ok := set[col]; ok {
		return
	}
	set[col] = struct{}{}
	t.columns[table] = append(t.columns[table], col)
}

// Observe registers table as produced by this run and adds unseen columns.
// Keys of a single record are taken in sorted order.
func (t *ShapeTracker) Observe(table string, records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.touched[table] = struct{}{}
	for _, record := range records {
		keys := make([]string, 0, len(record))
		for k := range record {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.addColumn(table, k)
		}
	}
}

// ObserveChild records that child was split off parent.
func (t *ShapeTracker) ObserveChild(parent, child string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.children[parent]
	if !ok {
		set = make(map[string]struct{})
		t.children[parent] = set
	}
	set[child] = struct{}{}
}

// Shapes returns the shapes of the tables observed during this run.
func (t *ShapeTracker) Shapes() map[string]TableShape {
	t.mu.Lock()
	defer t.mu.Unlock()

	shapes := make(map[string]TableShape, len(t.touched))
	for table := range t.touched {
		shape := TableShape{
			Name:    table,
			Columns: append([]string{}, t.columns[table]...),
		}
		if t.primaryKey != nil {
			shape.PrimaryKey = t.primaryKey(table)
		}
		for child := range t.children[table] {
			shape.Children = append(shape.Children, child)
		}
		sort.Strings(shape.Children)
		shapes[table] = shape
	}
	return shapes
}

// Columns returns every known column list, including prior tables not seen
// during this run.
func (t *ShapeTracker) Columns() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string, len(t.columns))
	for table, cols := range t.columns {
		out[table] = append([]string(nil), cols...)
	}
	return out
}
