package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/chartmogul-extractor/pkg/client"
	"github.com/rs/zerolog"
)

// status of a sequence state machine.
type status int

const (
	statusInit status = iota
	statusFetching
	statusDone
)

// base carries what every strategy shares: where to send, what was asked,
// and how the machine ended.
type base struct {
	fetcher Fetcher
	spec    Spec
	logger  zerolog.Logger
	status  status
	err     error
	state   FetchState
}

// finished reports whether the machine reached DONE and the error every
// further Next call returns.
func (b *base) finished() (bool, error) {
	if b.status != statusDone {
		return false, nil
	}
	if b.err != nil {
		return true, b.err
	}
	return true, ErrDone
}

func (b *base) fail(err error) error {
	b.status = statusDone
	b.err = stickyError(b.spec.Path, err)
	return b.err
}

// State implements Sequence.
func (b *base) State() FetchState {
	return b.state
}

// pageSequence walks page=1,2,...
type pageSequence struct {
	base
}

// NewPageSequence starts a page listing at {page: 1, per_page: PerPage}.
func NewPageSequence(fetcher Fetcher, spec Spec, logger zerolog.Logger) Sequence {
	return &pageSequence{base: base{
		fetcher: fetcher,
		spec:    spec,
		logger:  logger,
		state:   FetchState{Page: 1, PerPage: spec.perPage()},
	}}
}

// Next implements Sequence.
func (s *pageSequence) Next(ctx context.Context) (*Page, error) {
	for {
		if done, err := s.finished(); done {
			return nil, err
		}
		s.status = statusFetching

		number := s.state.Page
		page, last, err := FetchPage(ctx, s.fetcher, s.spec, number)
		if err != nil {
			return nil, s.fail(err)
		}

		if last {
			s.status = statusDone
		} else {
			s.state.Page++
		}

		s.logger.Debug().
			Str("path", s.spec.Path).
			Int("page", number).
			Int("records", len(page.Records)).
			Bool("last", last).
			Msg("Fetched page")

		if len(page.Records) == 0 {
			continue
		}
		return page, nil
	}
}

// cursorSequence chases start-after.
type cursorSequence struct {
	base
	requests    int
	emptyStreak int
}

// NewCursorSequence starts a cursor listing. A non-empty spec.ResumeAfter
// resumes from a persisted cursor and replaces the caller's filters.
func NewCursorSequence(fetcher Fetcher, spec Spec, logger zerolog.Logger) Sequence {
	return &cursorSequence{base: base{
		fetcher: fetcher,
		spec:    spec,
		logger:  logger,
		state:   FetchState{StartAfter: spec.ResumeAfter, PerPage: spec.perPage()},
	}}
}

func (s *cursorSequence) query() url.Values {
	q := url.Values{}
	if s.spec.ResumeAfter == "" {
		q = s.spec.filterQuery()
	}
	q.Set("per_page", strconv.Itoa(s.state.PerPage))
	if s.state.StartAfter != "" {
		q.Set("start-after", s.state.StartAfter)
	}
	return q
}

// Next implements Sequence.
func (s *cursorSequence) Next(ctx context.Context) (*Page, error) {
	for {
		if done, err := s.finished(); done {
			return nil, err
		}
		s.status = statusFetching
		s.requests++

		body, err := s.fetcher.Send(ctx, http.MethodGet, s.spec.Path, s.query())
		if err != nil {
			return nil, s.fail(err)
		}

		page, err := newPage(s.spec, s.requests, body)
		if err != nil {
			return nil, s.fail(err)
		}

		if n := len(page.Records); n > 0 {
			last, ok := client.StringField(page.Records[n-1], s.spec.IDField)
			if !ok {
				return nil, s.fail(&client.ParseError{
					Path: s.spec.Path,
					Err:  fmt.Errorf("last record has no %q identifier", s.spec.IDField),
				})
			}
			s.state.StartAfter = last
			s.emptyStreak = 0
		}

		hasMore, _ := body.HasMore()
		if !hasMore {
			s.status = statusDone
		} else if len(page.Records) == 0 {
			s.emptyStreak++
			if s.emptyStreak >= maxEmptyCursorPages {
				return nil, s.fail(ErrCursorStalled)
			}
		}

		s.logger.Debug().
			Str("path", s.spec.Path).
			Str("start_after", s.state.StartAfter).
			Int("records", len(page.Records)).
			Bool("has_more", hasMore).
			Msg("Fetched cursor page")

		if len(page.Records) == 0 {
			continue
		}
		return page, nil
	}
}

// singleSequence issues one request.
type singleSequence struct {
	base
}

// NewSingleSequence issues spec.Path once with spec.Filters.
func NewSingleSequence(fetcher Fetcher, spec Spec, logger zerolog.Logger) Sequence {
	return &singleSequence{base: base{fetcher: fetcher, spec: spec, logger: logger}}
}

// Next implements Sequence.
func (s *singleSequence) Next(ctx context.Context) (*Page, error) {
	if done, err := s.finished(); done {
		return nil, err
	}
	s.status = statusFetching

	body, err := s.fetcher.Send(ctx, http.MethodGet, s.spec.Path, s.spec.filterQuery())
	if err != nil {
		return nil, s.fail(err)
	}
	page, err := newPage(s.spec, 1, body)
	if err != nil {
		return nil, s.fail(err)
	}

	s.status = statusDone
	if len(page.Records) == 0 {
		return nil, ErrDone
	}
	return page, nil
}

// IsDone reports whether err marks normal exhaustion.
func IsDone(err error) bool {
	return errors.Is(err, ErrDone)
}
