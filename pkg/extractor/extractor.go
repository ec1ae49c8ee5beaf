// Package extractor coordinates one extraction run: it resolves parent
// endpoints, drives the pagination protocol of the requested endpoint,
// stages every batch and persists the resulting state once the fetch
// completed.
//
// An Extractor represents one run. Parent identifiers are cached for its
// lifetime, so a new Extractor should be created per run.
package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/chartmogul-extractor/pkg/endpoint"
	"github.com/Sternrassler/chartmogul-extractor/pkg/pagination"
	"github.com/Sternrassler/chartmogul-extractor/pkg/staging"
	"github.com/Sternrassler/chartmogul-extractor/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartmogul_fetch_duration_seconds",
		Help:    "Duration of complete endpoint fetches",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"endpoint"})

	fetchRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_fetch_records_total",
		Help: "Total number of records fetched by endpoint",
	}, []string{"endpoint"})

	fetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_fetch_failures_total",
		Help: "Total number of failed endpoint fetches",
	}, []string{"endpoint"})
)

// Config holds extractor configuration.
type Config struct {
	// Incremental resumes cursor endpoints from the persisted state.
	Incremental bool

	// BatchSize bounds fan-out chunks and probe rounds.
	BatchSize int

	// ProbeParentPages fetches top-level page listings in concurrent rounds
	// instead of one page at a time.
	ProbeParentPages bool
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{BatchSize: pagination.DefaultBatchSize}
}

// Result is the outcome of a successful fetch.
type Result struct {
	// Endpoint is the fetched endpoint name.
	Endpoint string `json:"endpoint"`

	// Tables holds the shapes of the tables written during the fetch.
	Tables map[string]staging.TableShape `json:"tables"`

	// Records counts the top-level records fetched.
	Records int `json:"records"`

	// State is the state that was saved.
	State state.PersistedState `json:"state"`
}

// Extractor runs endpoint fetches against one fetcher, sink and store.
type Extractor struct {
	fetcher   pagination.Fetcher
	sink      staging.Sink
	store     state.Store
	config    Config
	logger    zerolog.Logger
	batcher   *pagination.Batcher
	flattener *staging.Flattener
	parents   *parentCache
}

// New creates an extractor.
func New(fetcher pagination.Fetcher, sink staging.Sink, store state.Store, cfg Config, logger zerolog.Logger) (*Extractor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be >= 0 (got %d)", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = pagination.DefaultBatchSize
	}

	return &Extractor{
		fetcher:   fetcher,
		sink:      sink,
		store:     store,
		config:    cfg,
		logger:    logger,
		batcher:   pagination.NewBatcher(pagination.Config{BatchSize: cfg.BatchSize}, logger),
		flattener: staging.NewFlattener(),
		parents:   newParentCache(),
	}, nil
}

// Batcher returns the batcher used for fan-out and probing.
func (e *Extractor) Batcher() *pagination.Batcher {
	return e.batcher
}

// run is the per-fetch working set.
type run struct {
	*Extractor
	desc    endpoint.Descriptor
	params  map[string]string
	prev    state.PersistedState
	tracker *staging.ShapeTracker
	logger  zerolog.Logger
	records int
}

// Fetch extracts endpoint name with the given filters. State is saved only
// when the whole fetch succeeded; on error the stored state is unchanged.
func (e *Extractor) Fetch(ctx context.Context, name string, params map[string]string) (*Result, error) {
	desc, ok := endpoint.Lookup(name)
	if !ok {
		return nil, &ConfigError{Name: name}
	}

	start := time.Now()
	logger := e.logger.With().Str("endpoint", name).Logger()

	prev, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	r := &run{
		Extractor: e,
		desc:      desc,
		params:    params,
		prev:      prev,
		tracker:   staging.NewShapeTracker(prev.Columns, endpoint.PrimaryKeyFor),
		logger:    logger,
	}

	logger.Info().
		Str("kind", desc.Kind.String()).
		Bool("incremental", e.config.Incremental).
		Msg("Starting fetch")

	cursor, err := r.execute(ctx)
	if err != nil {
		fetchFailuresTotal.WithLabelValues(name).Inc()
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Fetch failed")
		return nil, err
	}

	r.tracker.Observe(desc.Name, nil)
	next := state.Merge(prev, name, cursor, r.tracker.Columns())
	if err := e.store.Save(ctx, next); err != nil {
		fetchFailuresTotal.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("save state: %w", err)
	}

	duration := time.Since(start)
	fetchDuration.WithLabelValues(name).Observe(duration.Seconds())
	fetchRecordsTotal.WithLabelValues(name).Add(float64(r.records))

	logger.Info().
		Int("records", r.records).
		Dur("duration", duration).
		Msg("Fetch complete")

	return &Result{
		Endpoint: name,
		Tables:   r.tracker.Shapes(),
		Records:  r.records,
		State:    next,
	}, nil
}

// execute runs the endpoint's protocol. The returned cursor is non-nil only
// for resumable listings.
func (r *run) execute(ctx context.Context) (*pagination.FetchState, error) {
	if r.desc.HasParent() {
		return nil, r.fanOut(ctx)
	}

	spec := r.spec("")
	if r.desc.Kind == endpoint.KindCursor {
		if fs, ok := r.prev.Cursor(r.desc.Name); ok && r.config.Incremental && fs.StartAfter != "" {
			spec.ResumeAfter = fs.StartAfter
			if fs.PerPage > 0 {
				spec.PerPage = fs.PerPage
			}
			r.logger.Info().Str("start_after", fs.StartAfter).Msg("Resuming from persisted cursor")
		}
	}

	var seq pagination.Sequence
	err := r.walk(ctx, r.desc, spec, func(seqOut pagination.Sequence) { seq = seqOut }, func(page *pagination.Page) error {
		r.records += len(page.Records)
		return r.stage(ctx, page.Records)
	})
	if err != nil {
		return nil, err
	}

	if r.desc.Kind == endpoint.KindCursor && seq != nil {
		fs := seq.State()
		return &fs, nil
	}
	return nil, nil
}

// spec builds the listing spec of the run's endpoint for one parent.
func (r *run) spec(parentID string) pagination.Spec {
	return pagination.Spec{
		Path:      r.desc.Path(parentID),
		ResultKey: r.desc.ResultKey,
		IDField:   r.desc.IDField,
		Filters:   r.params,
	}
}

// walk streams every page of desc's listing to emit. Page listings are
// probed in concurrent rounds when enabled; everything else goes through a
// Sequence, which is reported to started before the first request.
func (e *Extractor) walk(ctx context.Context, desc endpoint.Descriptor, spec pagination.Spec, started func(pagination.Sequence), emit func(*pagination.Page) error) error {
	if desc.Kind == endpoint.KindPage && e.config.ProbeParentPages {
		return e.batcher.ProbePages(ctx, func(ctx context.Context, number int) (*pagination.Page, bool, error) {
			return pagination.FetchPage(ctx, e.fetcher, spec, number)
		}, emit)
	}

	seq, err := e.sequence(desc, spec)
	if err != nil {
		return err
	}
	if started != nil {
		started(seq)
	}

	for {
		page, err := seq.Next(ctx)
		if pagination.IsDone(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := emit(page); err != nil {
			return err
		}
	}
}

// sequence selects the pagination protocol of desc.
func (e *Extractor) sequence(desc endpoint.Descriptor, spec pagination.Spec) (pagination.Sequence, error) {
	switch desc.Kind {
	case endpoint.KindPage:
		return pagination.NewPageSequence(e.fetcher, spec, e.logger), nil
	case endpoint.KindCursor:
		return pagination.NewCursorSequence(e.fetcher, spec, e.logger), nil
	case endpoint.KindSingle:
		return pagination.NewSingleSequence(e.fetcher, spec, e.logger), nil
	default:
		return nil, fmt.Errorf("endpoint %s: unsupported pagination %s", desc.Name, desc.Kind)
	}
}

// fanOut fetches the child listing once per parent identifier.
func (r *run) fanOut(ctx context.Context) error {
	ids, err := r.parentIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return &DomainError{
			Endpoint: r.desc.Name,
			Reason:   fmt.Sprintf("parent endpoint %s returned no identifiers", r.desc.Parent),
		}
	}

	fetchChild := func(ctx context.Context, parentID string) ([]map[string]any, error) {
		var records []map[string]any
		err := r.walkChild(ctx, r.desc, r.spec(parentID), func(page *pagination.Page) error {
			for _, record := range page.Records {
				record[r.desc.ParentKeyField] = parentID
			}
			records = append(records, page.Records...)
			return nil
		})
		return records, err
	}

	return r.batcher.FanOut(ctx, ids, fetchChild, func(_ []string, records []map[string]any) error {
		r.records += len(records)
		return r.stage(ctx, records)
	})
}

// walkChild drains one child listing sequentially; probing applies only to
// top-level listings.
func (r *run) walkChild(ctx context.Context, desc endpoint.Descriptor, spec pagination.Spec, emit func(*pagination.Page) error) error {
	seq, err := r.sequence(desc, spec)
	if err != nil {
		return err
	}
	pages, err := pagination.Drain(ctx, seq)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if err := emit(page); err != nil {
			return err
		}
	}
	return nil
}

// parentIDs resolves the identifiers of the run's parent endpoint.
func (r *run) parentIDs(ctx context.Context) ([]string, error) {
	parent, ok := endpoint.Lookup(r.desc.Parent)
	if !ok {
		return nil, &ConfigError{Name: r.desc.Parent}
	}
	if parent.HasParent() {
		return nil, &DomainError{
			Endpoint: r.desc.Name,
			Reason:   fmt.Sprintf("parent endpoint %s has a parent itself", parent.Name),
		}
	}

	return r.parents.resolve(ctx, parent.Name, func(ctx context.Context) ([]string, error) {
		spec := pagination.Spec{
			Path:      parent.Path(""),
			ResultKey: parent.ResultKey,
			IDField:   parent.IDField,
		}

		var ids []string
		err := r.walk(ctx, parent, spec, nil, func(page *pagination.Page) error {
			ids = append(ids, page.IDs...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolve parent %s: %w", parent.Name, err)
		}

		r.logger.Info().
			Str("parent", parent.Name).
			Int("identifiers", len(ids)).
			Msg("Resolved parent identifiers")
		return ids, nil
	})
}

// stage flattens one batch of the run's endpoint and writes every table.
func (r *run) stage(ctx context.Context, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	tables, err := r.flattener.Flatten(r.desc.Name, r.desc.IDField, records)
	if err != nil {
		return err
	}
	for table, rows := range tables {
		r.tracker.Observe(table, rows)
		if table != r.desc.Name {
			r.tracker.ObserveChild(r.desc.Name, table)
		}
	}
	return staging.PutTables(ctx, r.sink, tables)
}
