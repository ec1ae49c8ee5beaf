// Package staging flattens fetched records into tables and hands them to a
// Sink. Every batch becomes its own uniquely named artifact; nothing is
// appended to or rewritten in place.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Sternrassler/chartmogul-extractor/internal/fsutil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	stagedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_staged_records_total",
		Help: "Total number of records written to the staging sink by table",
	}, []string{"table"})

	stagedBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_staged_batches_total",
		Help: "Total number of staged batches by table",
	}, []string{"table"})
)

// Sink receives flattened batches.
type Sink interface {
	// Put stages one batch of table. Implementations must be safe for
	// concurrent use.
	Put(ctx context.Context, table string, records []Record) error
}

// BatchSink stages all tables of one flattened batch together: either every
// table is committed or none is.
type BatchSink interface {
	Sink
	PutBatch(ctx context.Context, tables map[string][]Record) error
}

// PutTables stages every non-empty table of one flattened batch. A BatchSink
// commits them as a unit; any other Sink gets them in name order with all
// failures reported together.
func PutTables(ctx context.Context, sink Sink, tables map[string][]Record) error {
	names := tableNames(tables)

	if bs, ok := sink.(BatchSink); ok {
		batch := make(map[string][]Record, len(names))
		for _, name := range names {
			batch[name] = tables[name]
		}
		if err := bs.PutBatch(ctx, batch); err != nil {
			return fmt.Errorf("stage batch: %w", err)
		}
		for _, name := range names {
			observeStaged(name, len(batch[name]))
		}
		return nil
	}

	var result *multierror.Error
	for _, name := range names {
		if err := sink.Put(ctx, name, tables[name]); err != nil {
			result = multierror.Append(result, fmt.Errorf("stage %s: %w", name, err))
			continue
		}
		observeStaged(name, len(tables[name]))
	}
	return result.ErrorOrNil()
}

// tableNames returns the non-empty tables in name order.
func tableNames(tables map[string][]Record) []string {
	names := make([]string, 0, len(tables))
	for name, records := range tables {
		if len(records) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func observeStaged(table string, records int) {
	stagedRecordsTotal.WithLabelValues(table).Add(float64(records))
	stagedBatchesTotal.WithLabelValues(table).Inc()
}

// FileSink writes each batch to <dir>/<table>/<uuid>.json.
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

// NewFileSink creates the output directory if needed.
func NewFileSink(dir string, logger zerolog.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Put implements Sink.
func (s *FileSink) Put(ctx context.Context, table string, records []Record) error {
	return s.PutBatch(ctx, map[string][]Record{table: records})
}

// PutBatch implements BatchSink. Every table is written to a temporary file
// first; artifacts become visible only once all of them were written, and a
// failed rename removes the ones already in place.
func (s *FileSink) PutBatch(ctx context.Context, tables map[string][]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	names := tableNames(tables)
	pending := make([]*fsutil.Pending, 0, len(names))
	discard := func(from int) {
		for _, p := range pending[from:] {
			p.Discard()
		}
	}

	for _, table := range names {
		data, err := json.Marshal(tables[table])
		if err != nil {
			discard(0)
			return fmt.Errorf("encode %s batch: %w", table, err)
		}
		p, err := fsutil.WriteTemp(filepath.Join(s.dir, table, uuid.NewString()+".json"), data)
		if err != nil {
			discard(0)
			return err
		}
		pending = append(pending, p)
	}

	for i, p := range pending {
		if err := p.Commit(); err != nil {
			for _, done := range pending[:i] {
				_ = os.Remove(done.Path())
			}
			discard(i + 1)
			return err
		}
	}

	for i, p := range pending {
		s.logger.Debug().
			Str("table", names[i]).
			Int("records", len(tables[names[i]])).
			Str("path", p.Path()).
			Msg("Staged batch")
	}
	return nil
}

// MemorySink keeps batches in memory.
type MemorySink struct {
	mu      sync.Mutex
	batches map[string][][]Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{batches: make(map[string][][]Record)}
}

// Put implements Sink.
func (s *MemorySink) Put(ctx context.Context, table string, records []Record) error {
	return s.PutBatch(ctx, map[string][]Record{table: records})
}

// PutBatch implements BatchSink.
func (s *MemorySink) PutBatch(ctx context.Context, tables map[string][]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range tableNames(tables) {
		s.batches[table] = append(s.batches[table], append([]Record(nil), tables[table]...))
	}
	return nil
}

// Records returns all staged rows of table in arrival order.
func (s *MemorySink) Records(table string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, batch := range s.batches[table] {
		out = append(out, batch...)
	}
	return out
}

// Batches returns the number of batches staged for table.
func (s *MemorySink) Batches(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[table])
}

// Tables returns the names of all tables with at least one batch, sorted.
func (s *MemorySink) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.batches))
	for name := range s.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
