package pagination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/Sternrassler/chartmogul-extractor/pkg/client"
	"github.com/rs/zerolog"
)

// scriptedFetcher answers requests from a script and records every query.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []client.Body
	errs      map[int]error
	queries   []url.Values
	inFlight  int
	overlap   bool
}

func (f *scriptedFetcher) Send(_ context.Context, _ string, _ string, query url.Values) (client.Body, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	n := len(f.queries)
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if err, ok := f.errs[n]; ok {
		return nil, err
	}
	if n >= len(f.responses) {
		return client.Body{"entries": []any{}, "has_more": false}, nil
	}
	return f.responses[n], nil
}

func entries(prefix string, from, n int) []any {
	out := make([]any, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, map[string]any{"uuid": fmt.Sprintf("%s-%d", prefix, i)})
	}
	return out
}

func countRecords(pages []*Page) int {
	total := 0
	for _, p := range pages {
		total += len(p.Records)
	}
	return total
}

func TestPageSequence_HasMoreTermination(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("cus", 0, 200), "has_more": true},
		{"entries": entries("cus", 200, 200), "has_more": true},
		{"entries": []any{}, "has_more": false},
	}}

	seq := NewPageSequence(fetcher, Spec{Path: "customers", ResultKey: "entries", IDField: "uuid"}, zerolog.Nop())
	pages, err := Drain(context.Background(), seq)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if len(fetcher.queries) != 3 {
		t.Errorf("requests = %d, want 3", len(fetcher.queries))
	}
	if got := countRecords(pages); got != 400 {
		t.Errorf("records = %d, want 400", got)
	}
	for i, q := range fetcher.queries {
		if q.Get("page") != fmt.Sprint(i+1) {
			t.Errorf("request %d page = %s, want %d", i, q.Get("page"), i+1)
		}
		if q.Get("per_page") != "200" {
			t.Errorf("request %d per_page = %s, want 200", i, q.Get("per_page"))
		}
	}
	if len(pages[1].IDs) != 200 || pages[1].IDs[0] != "cus-200" {
		t.Errorf("page 2 IDs not extracted: %v", pages[1].IDs[:1])
	}
	if fetcher.overlap {
		t.Error("page requests overlapped")
	}
}

func TestPageSequence_TotalPagesTermination(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("inv", 0, 2), "current_page": 1, "total_pages": 2},
		{"entries": entries("inv", 2, 2), "current_page": 2, "total_pages": 2},
		{"entries": entries("inv", 4, 2), "current_page": 3, "total_pages": 2},
	}}

	pages, err := Drain(context.Background(), NewPageSequence(fetcher, Spec{Path: "invoices", ResultKey: "entries"}, zerolog.Nop()))
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(fetcher.queries) != 2 {
		t.Errorf("requests = %d, want 2 (stop at current_page == total_pages)", len(fetcher.queries))
	}
	if len(pages) != 2 {
		t.Errorf("pages = %d, want 2", len(pages))
	}
}

func TestPageSequence_HasMoreFalseWithData(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("cus", 0, 5), "has_more": false},
	}}

	seq := NewPageSequence(fetcher, Spec{Path: "customers", ResultKey: "entries"}, zerolog.Nop())
	pages, err := Drain(context.Background(), seq)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(pages) != 1 || len(fetcher.queries) != 1 {
		t.Errorf("pages = %d, requests = %d, want 1 and 1", len(pages), len(fetcher.queries))
	}
	if seq.State().Page != 1 {
		t.Errorf("State().Page = %d, want 1", seq.State().Page)
	}
}

func TestPageSequence_EmptyFirstPage(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": []any{}, "has_more": true},
	}}

	seq := NewPageSequence(fetcher, Spec{Path: "customers", ResultKey: "entries"}, zerolog.Nop())
	page, err := seq.Next(context.Background())
	if !errors.Is(err, ErrDone) {
		t.Fatalf("Next() = %v, %v, want ErrDone", page, err)
	}
	if len(fetcher.queries) != 1 {
		t.Errorf("requests = %d, want 1", len(fetcher.queries))
	}
}

func TestPageSequence_FiltersAndNonRestartable(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("x", 0, 1), "has_more": false},
	}}

	seq := NewPageSequence(fetcher, Spec{
		Path:      "invoices",
		ResultKey: "entries",
		Filters:   map[string]string{"customer_uuid": "cus-1", "empty": ""},
	}, zerolog.Nop())
	if _, err := Drain(context.Background(), seq); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	// Exhausted sequences never issue further requests.
	if _, err := seq.Next(context.Background()); !errors.Is(err, ErrDone) {
		t.Errorf("Next() after exhaustion = %v, want ErrDone", err)
	}
	if len(fetcher.queries) != 1 {
		t.Errorf("requests = %d, want 1", len(fetcher.queries))
	}

	q := fetcher.queries[0]
	if q.Get("customer_uuid") != "cus-1" {
		t.Errorf("filter not forwarded: %v", q)
	}
	if _, ok := q["empty"]; ok {
		t.Errorf("empty filter should be dropped: %v", q)
	}
}

func TestPageSequence_ErrorIsSticky(t *testing.T) {
	boom := errors.New("boom")
	fetcher := &scriptedFetcher{
		responses: []client.Body{{"entries": entries("x", 0, 1), "has_more": true}},
		errs:      map[int]error{1: boom},
	}

	seq := NewPageSequence(fetcher, Spec{Path: "customers", ResultKey: "entries"}, zerolog.Nop())
	if _, err := seq.Next(context.Background()); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("second Next() error = %v, want boom", err)
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, boom) {
		t.Errorf("third Next() error = %v, want sticky boom", err)
	}
	if len(fetcher.queries) != 2 {
		t.Errorf("requests = %d, want 2", len(fetcher.queries))
	}
}

func TestPageSequence_MalformedResultArray(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": "nope"},
	}}

	_, err := Drain(context.Background(), NewPageSequence(fetcher, Spec{Path: "customers", ResultKey: "entries"}, zerolog.Nop()))
	var parseErr *client.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *client.ParseError", err)
	}
}

func TestCursorSequence_StartAfterPropagation(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("act", 0, 3), "has_more": true},
		{"entries": []any{}, "has_more": true},
		{"entries": entries("act", 3, 2), "has_more": false},
	}}

	seq := NewCursorSequence(fetcher, Spec{
		Path:      "activities",
		ResultKey: "entries",
		IDField:   "uuid",
		Filters:   map[string]string{"start-date": "2024-01-01"},
	}, zerolog.Nop())
	pages, err := Drain(context.Background(), seq)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	want := []string{"", "act-2", "act-2"}
	for i, q := range fetcher.queries {
		if got := q.Get("start-after"); got != want[i] {
			t.Errorf("request %d start-after = %q, want %q", i, got, want[i])
		}
		if q.Get("per_page") != "200" {
			t.Errorf("request %d per_page = %q, want 200", i, q.Get("per_page"))
		}
		if q.Get("start-date") != "2024-01-01" {
			t.Errorf("request %d lost start-date filter", i)
		}
	}
	if _, ok := fetcher.queries[0]["page"]; ok {
		t.Error("cursor listings must not send page")
	}

	if got := countRecords(pages); got != 5 {
		t.Errorf("records = %d, want 5", got)
	}

	state := seq.State()
	if state.StartAfter != "act-4" || state.PerPage != 200 || state.Page != 0 {
		t.Errorf("State() = %+v, want {start-after: act-4, per_page: 200}", state)
	}
}

func TestCursorSequence_ResumeIgnoresFilters(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("act", 124, 1), "has_more": false},
	}}

	seq := NewCursorSequence(fetcher, Spec{
		Path:        "activities",
		ResultKey:   "entries",
		IDField:     "uuid",
		Filters:     map[string]string{"start-date": "2024-01-01", "end-date": "2024-02-01"},
		ResumeAfter: "uuid-123",
	}, zerolog.Nop())
	if _, err := Drain(context.Background(), seq); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	first := fetcher.queries[0]
	if first.Get("start-after") != "uuid-123" {
		t.Errorf("first start-after = %q, want uuid-123", first.Get("start-after"))
	}
	if first.Get("start-date") != "" || first.Get("end-date") != "" {
		t.Errorf("resumed listing must drop date filters: %v", first)
	}
	if seq.State().StartAfter != "act-124" {
		t.Errorf("State().StartAfter = %q, want act-124", seq.State().StartAfter)
	}
}

func TestCursorSequence_EmptyResumeKeepsCursor(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": []any{}, "has_more": false},
	}}

	seq := NewCursorSequence(fetcher, Spec{Path: "activities", ResultKey: "entries", IDField: "uuid", ResumeAfter: "uuid-9"}, zerolog.Nop())
	pages, err := Drain(context.Background(), seq)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(pages) != 0 {
		t.Errorf("pages = %d, want 0", len(pages))
	}
	if seq.State().StartAfter != "uuid-9" {
		t.Errorf("State().StartAfter = %q, want uuid-9 retained", seq.State().StartAfter)
	}
}

func TestCursorSequence_MissingHasMoreEnds(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": entries("act", 0, 2)},
	}}

	_, err := Drain(context.Background(), NewCursorSequence(fetcher, Spec{Path: "activities", ResultKey: "entries", IDField: "uuid"}, zerolog.Nop()))
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(fetcher.queries) != 1 {
		t.Errorf("requests = %d, want 1", len(fetcher.queries))
	}
}

func TestCursorSequence_Stalled(t *testing.T) {
	empty := client.Body{"entries": []any{}, "has_more": true}
	fetcher := &scriptedFetcher{responses: []client.Body{empty, empty, empty, empty}}

	_, err := Drain(context.Background(), NewCursorSequence(fetcher, Spec{Path: "activities", ResultKey: "entries", IDField: "uuid"}, zerolog.Nop()))
	if !errors.Is(err, ErrCursorStalled) {
		t.Fatalf("error = %v, want ErrCursorStalled", err)
	}
	if len(fetcher.queries) != maxEmptyCursorPages {
		t.Errorf("requests = %d, want %d", len(fetcher.queries), maxEmptyCursorPages)
	}
}

func TestCursorSequence_RecordWithoutID(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": []any{map[string]any{"type": "new_biz"}}, "has_more": true},
	}}

	_, err := Drain(context.Background(), NewCursorSequence(fetcher, Spec{Path: "activities", ResultKey: "entries", IDField: "uuid"}, zerolog.Nop()))
	var parseErr *client.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want *client.ParseError", err)
	}
}

func TestSingleSequence(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []client.Body{
		{"entries": []any{map[string]any{"date": "2024-01-31", "mrr": 100}}, "has_more": true},
	}}

	seq := NewSingleSequence(fetcher, Spec{
		Path:      "metrics/all",
		ResultKey: "entries",
		Filters:   map[string]string{"start-date": "2024-01-01", "end-date": "2024-01-31", "interval": ""},
	}, zerolog.Nop())
	pages, err := Drain(context.Background(), seq)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if len(fetcher.queries) != 1 {
		t.Errorf("requests = %d, want 1 even with has_more", len(fetcher.queries))
	}
	if len(pages) != 1 || len(pages[0].Records) != 1 {
		t.Errorf("pages = %v, want one page with one record", pages)
	}

	q := fetcher.queries[0]
	if q.Get("start-date") != "2024-01-01" || q.Get("end-date") != "2024-01-31" {
		t.Errorf("filters not forwarded: %v", q)
	}
	if _, ok := q["per_page"]; ok {
		t.Error("single requests must not send per_page")
	}
	if _, ok := q["interval"]; ok {
		t.Error("empty filter should be dropped")
	}
}

func TestSequences_LogToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	page := &scriptedFetcher{responses: []client.Body{{"entries": entries("p", 0, 1), "has_more": false}}}
	cursor := &scriptedFetcher{responses: []client.Body{{"entries": entries("c", 0, 1), "has_more": false}}}

	if _, err := Drain(context.Background(), NewPageSequence(page, Spec{Path: "customers", ResultKey: "entries"}, logger)); err != nil {
		t.Fatalf("page Drain() error = %v", err)
	}
	if _, err := Drain(context.Background(), NewCursorSequence(cursor, Spec{Path: "activities", ResultKey: "entries", IDField: "uuid"}, logger)); err != nil {
		t.Fatalf("cursor Drain() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Fetched page") || !strings.Contains(out, "Fetched cursor page") {
		t.Errorf("injected logger output = %q", out)
	}
}
