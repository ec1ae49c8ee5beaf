package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/Sternrassler/chartmogul-extractor/pkg/client"
)

// DefaultPerPage is the largest page size ChartMogul accepts.
const DefaultPerPage = 200

var (
	// ErrDone is returned by Next once a Sequence is exhausted.
	ErrDone = errors.New("sequence exhausted")

	// ErrCursorStalled is returned when a cursor listing keeps answering empty
	// pages with has_more set, so the same request would repeat forever.
	ErrCursorStalled = errors.New("cursor listing stalled on empty pages")
)

// maxEmptyCursorPages bounds consecutive empty has_more=true cursor responses.
const maxEmptyCursorPages = 3

// Fetcher sends one logical request. *client.Client implements it.
type Fetcher interface {
	Send(ctx context.Context, method, path string, query url.Values) (client.Body, error)
}

// Page is one non-empty response batch.
type Page struct {
	// Number is the page index for page listings, the request ordinal otherwise.
	Number int

	// Records are the raw result objects.
	Records []map[string]any

	// IDs are the records' identifiers, in order, when IDField is set.
	IDs []string
}

// FetchState is the resumable request state of one listing.
type FetchState struct {
	Page       int    `json:"page,omitempty"`
	StartAfter string `json:"start-after,omitempty"`
	PerPage    int    `json:"per_page,omitempty"`
}

// Spec describes one listing to paginate.
type Spec struct {
	// Path is relative to the API root.
	Path string

	// ResultKey is the response field holding the result array.
	ResultKey string

	// IDField identifies records (cursor value, parent identifiers).
	IDField string

	// PerPage defaults to DefaultPerPage.
	PerPage int

	// Filters are extra query parameters; empty values are dropped.
	Filters map[string]string

	// ResumeAfter seeds a cursor listing. When set, Filters are ignored.
	ResumeAfter string
}

func (s Spec) perPage() int {
	if s.PerPage > 0 {
		return s.PerPage
	}
	return DefaultPerPage
}

// filterQuery returns the non-empty filters in deterministic order.
func (s Spec) filterQuery() url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(s.Filters))
	for k := range s.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := s.Filters[k]; v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func (s Spec) pageQuery(page int) url.Values {
	q := s.filterQuery()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(s.perPage()))
	return q
}

// Sequence is a finite, non-restartable stream of pages.
type Sequence interface {
	// Next returns the next non-empty page, ErrDone once exhausted, or the
	// error that aborted the listing. After ErrDone or an error, subsequent
	// calls return the same result without issuing requests.
	Next(ctx context.Context) (*Page, error)

	// State returns the request state after the last consumed response.
	State() FetchState
}

// Drain consumes seq completely.
func Drain(ctx context.Context, seq Sequence) ([]*Page, error) {
	var pages []*Page
	for {
		page, err := seq.Next(ctx)
		if errors.Is(err, ErrDone) {
			return pages, nil
		}
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
}

// FetchPage requests one page of a page listing. last reports that the
// response itself signalled the end of the listing.
func FetchPage(ctx context.Context, fetcher Fetcher, spec Spec, number int) (page *Page, last bool, err error) {
	body, err := fetcher.Send(ctx, http.MethodGet, spec.Path, spec.pageQuery(number))
	if err != nil {
		return nil, false, err
	}
	page, err = newPage(spec, number, body)
	if err != nil {
		return nil, false, err
	}
	return page, pageEnded(body, len(page.Records)), nil
}

func newPage(spec Spec, number int, body client.Body) (*Page, error) {
	records, err := body.Records(spec.ResultKey)
	if err != nil {
		return nil, &client.ParseError{Path: spec.Path, Err: err}
	}

	page := &Page{Number: number, Records: records}
	if spec.IDField != "" {
		page.IDs = make([]string, 0, len(records))
		for _, r := range records {
			if id, ok := client.StringField(r, spec.IDField); ok {
				page.IDs = append(page.IDs, id)
			}
		}
	}
	return page, nil
}

// pageEnded applies the page-listing termination rules to one response.
func pageEnded(body client.Body, records int) bool {
	if records == 0 {
		return true
	}
	if hasMore, present := body.HasMore(); present && !hasMore {
		return true
	}
	current, okCurrent := body.CurrentPage()
	total, okTotal := body.TotalPages()
	if okCurrent && okTotal && current >= total {
		return true
	}
	return false
}

// stickyError wraps the error that ends a sequence.
func stickyError(path string, err error) error {
	if errors.Is(err, ErrDone) {
		return err
	}
	return fmt.Errorf("paginate %s: %w", path, err)
}
