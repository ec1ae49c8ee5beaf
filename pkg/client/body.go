package client

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Body is a decoded ChartMogul response object. Numbers are kept as
// json.Number so identifiers and amounts survive staging unchanged.
type Body map[string]any

// decodeBody parses a response body that must be a JSON object.
func decodeBody(data []byte) (Body, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body Body
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("response body is not a JSON object")
	}
	return body, nil
}

// Records returns the result array stored under key. A missing or null key
// yields an empty slice.
func (b Body) Records(key string) ([]map[string]any, error) {
	raw, ok := b[key]
	if !ok || raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("result key %q is %T, want array", key, raw)
	}

	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("result key %q element %d is %T, want object", key, i, item)
		}
		records = append(records, record)
	}
	return records, nil
}

// HasMore returns the has_more flag and whether the response carried it.
func (b Body) HasMore() (hasMore bool, present bool) {
	v, ok := b["has_more"].(bool)
	return v, ok
}

// CurrentPage returns current_page if present.
func (b Body) CurrentPage() (int, bool) {
	return b.intField("current_page")
}

// TotalPages returns total_pages if present.
func (b Body) TotalPages() (int, bool) {
	return b.intField("total_pages")
}

func (b Body) intField(key string) (int, bool) {
	switch v := b[key].(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// StringField renders an identifier field of a record as a string.
func StringField(record map[string]any, key string) (string, bool) {
	switch v := record[key].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
