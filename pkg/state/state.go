// Package state persists what an incremental run needs to continue: the
// cursor of each resumable endpoint and the known column list of every
// output table.
//
// The stored document is a single JSON object:
//
//	{
//	  "activities": {"start-after": "uuid-123", "per_page": 200},
//	  "columns":    {"activities": ["uuid", "type", "date"]}
//	}
package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/Sternrassler/chartmogul-extractor/pkg/pagination"
	"github.com/goccy/go-json"
)

// ColumnsKey is the reserved top-level key holding table columns.
const ColumnsKey = "columns"

// PersistedState is the state carried between runs.
type PersistedState struct {
	// Cursors holds the last request state per endpoint.
	Cursors map[string]pagination.FetchState

	// Columns holds the known columns per output table.
	Columns map[string][]string
}

// Empty returns a state with no cursors and no columns.
func Empty() PersistedState {
	return PersistedState{
		Cursors: map[string]pagination.FetchState{},
		Columns: map[string][]string{},
	}
}

// Cursor returns the stored state of endpoint.
func (s PersistedState) Cursor(endpoint string) (pagination.FetchState, bool) {
	fs, ok := s.Cursors[endpoint]
	return fs, ok
}

// MarshalJSON implements json.Marshaler.
func (s PersistedState) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Cursors)+1)
	for endpoint, fs := range s.Cursors {
		doc[endpoint] = fs
	}
	columns := s.Columns
	if columns == nil {
		columns = map[string][]string{}
	}
	doc[ColumnsKey] = columns
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *PersistedState) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	out := Empty()
	for key, raw := range doc {
		if key == ColumnsKey {
			if err := json.Unmarshal(raw, &out.Columns); err != nil {
				return fmt.Errorf("decode state columns: %w", err)
			}
			if out.Columns == nil {
				out.Columns = map[string][]string{}
			}
			continue
		}
		var fs pagination.FetchState
		if err := json.Unmarshal(raw, &fs); err != nil {
			return fmt.Errorf("decode state of %s: %w", key, err)
		}
		out.Cursors[key] = fs
	}
	*s = out
	return nil
}

// Merge folds the outcome of one run into prev and returns the new state.
// Cursors of other endpoints are carried over, the endpoint's cursor is
// replaced only when fs is non-nil, and column lists keep their prior order
// with newly observed columns appended.
func Merge(prev PersistedState, endpoint string, fs *pagination.FetchState, observed map[string][]string) PersistedState {
	next := Empty()
	for name, cursor := range prev.Cursors {
		next.Cursors[name] = cursor
	}
	if fs != nil {
		next.Cursors[endpoint] = *fs
	}

	for table, cols := range prev.Columns {
		next.Columns[table] = append([]string(nil), cols...)
	}

	tables := make([]string, 0, len(observed))
	for table := range observed {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		known := make(map[string]struct{}, len(next.Columns[table]))
		for _, col := range next.Columns[table] {
			known[col] = struct{}{}
		}
		for _, col := range observed[table] {
			if _, ok := known[col]; ok {
				continue
			}
			known[col] = struct{}{}
			next.Columns[table] = append(next.Columns[table], col)
		}
	}
	return next
}

// Store loads and saves the persisted state.
type Store interface {
	// Load returns the stored state, or an empty state when none exists.
	Load(ctx context.Context) (PersistedState, error)

	// Save replaces the stored state.
	Save(ctx context.Context, s PersistedState) error
}
