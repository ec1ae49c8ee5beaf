package staging

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/chartmogul-extractor/pkg/client"
	"github.com/goccy/go-json"
)

// ErrColumnCollision is returned when two fields of one record flatten to the
// same column, e.g. address.city and a literal address_city.
var ErrColumnCollision = errors.New("flattened column collides with an existing field")

// Record is one flat output row.
type Record = map[string]any

// DefaultSeparator joins nested field names into column names.
const DefaultSeparator = "_"

// Flattener turns nested API records into flat tables.
//
// Nested objects become prefixed columns (address.city -> address_city).
// Arrays of objects are split into a child table named <table>_<field>,
// each child row carrying the parent identifier in <table>_<idField>.
// Arrays of scalars and mixed arrays are stored as a JSON string. Empty
// arrays produce neither a column nor child rows. Two fields that map to the
// same column fail with ErrColumnCollision.
type Flattener struct {
	separator string
}

// NewFlattener creates a flattener using DefaultSeparator.
func NewFlattener() *Flattener {
	return &Flattener{separator: DefaultSeparator}
}

// Flatten flattens records of table. The result always contains table,
// possibly with zero rows, plus every child table split off on the way.
func (f *Flattener) Flatten(table, idField string, records []map[string]any) (map[string][]Record, error) {
	out := map[string][]Record{table: make([]Record, 0, len(records))}
	for i, record := range records {
		if err := f.flattenInto(out, table, idField, record); err != nil {
			return nil, fmt.Errorf("flatten %s record %d: %w", table, i, err)
		}
	}
	return out, nil
}

type childArray struct {
	field string
	items []map[string]any
}

func (f *Flattener) flattenInto(out map[string][]Record, table, idField string, record map[string]any) error {
	row := Record{}
	var children []childArray
	if err := f.walk(row, &children, "", record); err != nil {
		return err
	}
	out[table] = append(out[table], row)

	if len(children) == 0 {
		return nil
	}

	var parentID any
	if id, ok := client.StringField(record, idField); ok {
		parentID = id
	}
	fk := table + f.separator + idField

	for _, c := range children {
		childTable := table + f.separator + c.field
		for _, item := range c.items {
			child := make(map[string]any, len(item)+1)
			for k, v := range item {
				child[k] = v
			}
			child[fk] = parentID
			if err := f.flattenInto(out, childTable, idField, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Flattener) walk(row Record, children *[]childArray, prefix string, obj map[string]any) error {
	for key, value := range obj {
		name := prefix + key
		switch v := value.(type) {
		case map[string]any:
			if len(v) == 0 {
				if err := setColumn(row, name, nil); err != nil {
					return err
				}
				continue
			}
			if err := f.walk(row, children, name+f.separator, v); err != nil {
				return err
			}
		case []any:
			if len(v) == 0 {
				continue
			}
			if items, ok := objectArray(v); ok {
				*children = append(*children, childArray{field: name, items: items})
				continue
			}
			encoded, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode array %s: %w", name, err)
			}
			if err := setColumn(row, name, string(encoded)); err != nil {
				return err
			}
		default:
			if err := setColumn(row, name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func setColumn(row Record, name string, value any) error {
	if _, exists := row[name]; exists {
		return fmt.Errorf("%w: %s", ErrColumnCollision, name)
	}
	row[name] = value
	return nil
}

// objectArray reports whether every element of v is an object.
func objectArray(v []any) ([]map[string]any, bool) {
	items := make([]map[string]any, 0, len(v))
	for _, elem := range v {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, false
		}
		items = append(items, obj)
	}
	return items, true
}
