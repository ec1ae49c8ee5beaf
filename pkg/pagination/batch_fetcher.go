package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for batched fetching.
var (
	batcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartmogul_batcher_inflight",
		Help: "Number of fan-out sub-fetches currently in flight",
	})

	batcherChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_batcher_chunks_total",
		Help: "Total number of fan-out chunks and probe rounds by outcome",
	}, []string{"mode", "outcome"})
)

// ErrNonMonotonicPages is returned by ProbePages when a round contains a
// non-empty page after an empty one.
var ErrNonMonotonicPages = errors.New("non-empty page after an empty page in one probe round")

// DefaultBatchSize matches the default admission ceiling.
const DefaultBatchSize = 40

// Config holds batcher configuration.
type Config struct {
	// BatchSize bounds concurrent sub-fetches and the size of each chunk.
	BatchSize int
}

// DefaultConfig returns the default batcher configuration.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

// ChildFunc fully fetches the child listing of one parent.
type ChildFunc func(ctx context.Context, parentID string) ([]map[string]any, error)

// EmitFunc receives one completed chunk: its parents and their records
// concatenated in parent order.
type EmitFunc func(parents []string, records []map[string]any) error

// PageFunc fetches a single page by number; last reports an end-of-listing signal.
type PageFunc func(ctx context.Context, number int) (page *Page, last bool, err error)

// Batcher runs bounded groups of independent fetches.
type Batcher struct {
	config  Config
	logger  zerolog.Logger
	onChunk func(index, size int)
}

// NewBatcher creates a batcher.
func NewBatcher(config Config, logger zerolog.Logger) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Batcher{config: config, logger: logger}
}

// BatchSize returns the configured chunk size.
func (b *Batcher) BatchSize() int {
	return b.config.BatchSize
}

// OnChunk registers an observer called before each chunk or probe round starts.
func (b *Batcher) OnChunk(fn func(index, size int)) {
	b.onChunk = fn
}

// Chunks partitions ids into consecutive groups of at most size.
func Chunks(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// FanOut runs fetch once per parent, chunk by chunk. A chunk is emitted in a
// single call only after every member succeeded; the first failure cancels
// the remaining members and aborts the fan-out.
func (b *Batcher) FanOut(ctx context.Context, parents []string, fetch ChildFunc, emit EmitFunc) error {
	start := time.Now()
	chunks := Chunks(parents, b.config.BatchSize)

	b.logger.Info().
		Int("parents", len(parents)).
		Int("chunks", len(chunks)).
		Int("batch_size", b.config.BatchSize).
		Msg("Starting fan-out")

	fetched := 0
	for index, chunk := range chunks {
		if b.onChunk != nil {
			b.onChunk(index, len(chunk))
		}

		results := make([][]map[string]any, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.config.BatchSize)
		for i, parentID := range chunk {
			g.Go(func() error {
				batcherInFlight.Inc()
				defer batcherInFlight.Dec()

				records, err := fetch(gctx, parentID)
				if err != nil {
					return fmt.Errorf("parent %s: %w", parentID, err)
				}
				results[i] = records
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			batcherChunksTotal.WithLabelValues("fanout", "failed").Inc()
			b.logger.Warn().
				Err(err).
				Int("chunk", index).
				Int("size", len(chunk)).
				Msg("Fan-out chunk failed")
			return fmt.Errorf("chunk %d of %d: %w", index+1, len(chunks), err)
		}
		batcherChunksTotal.WithLabelValues("fanout", "ok").Inc()

		var records []map[string]any
		for _, r := range results {
			records = append(records, r...)
		}
		if err := emit(chunk, records); err != nil {
			return fmt.Errorf("emit chunk %d of %d: %w", index+1, len(chunks), err)
		}

		fetched += len(chunk)
		b.logger.Debug().
			Int("fetched", fetched).
			Int("total", len(parents)).
			Float64("progress_pct", float64(fetched)/float64(len(parents))*100).
			Msg("Fan-out progress")
	}

	b.logger.Info().
		Int("parents", len(parents)).
		Dur("duration", time.Since(start)).
		Msg("Fan-out complete")

	return nil
}

// ProbePages fetches pages [i, i+BatchSize) concurrently per round, starting
// at page 1, and emits them in ascending order. The round containing the
// first empty or terminal page is the last one.
func (b *Batcher) ProbePages(ctx context.Context, fetch PageFunc, emit func(*Page) error) error {
	next := 1
	for round := 0; ; round++ {
		size := b.config.BatchSize
		if b.onChunk != nil {
			b.onChunk(round, size)
		}

		pages := make([]*Page, size)
		lasts := make([]bool, size)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(size)
		for i := 0; i < size; i++ {
			number := next + i
			g.Go(func() error {
				batcherInFlight.Inc()
				defer batcherInFlight.Dec()

				page, last, err := fetch(gctx, number)
				if err != nil {
					return fmt.Errorf("page %d: %w", number, err)
				}
				pages[i], lasts[i] = page, last
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			batcherChunksTotal.WithLabelValues("probe", "failed").Inc()
			return fmt.Errorf("probe round %d: %w", round+1, err)
		}

		ended, err := roundEnd(pages, lasts)
		if err != nil {
			batcherChunksTotal.WithLabelValues("probe", "failed").Inc()
			b.logger.Error().
				Err(err).
				Int("first_page", next).
				Int("size", size).
				Msg("Probe round is not monotonic")
			return fmt.Errorf("probe round %d (pages %d-%d): %w", round+1, next, next+size-1, err)
		}
		batcherChunksTotal.WithLabelValues("probe", "ok").Inc()

		for _, page := range pages {
			if page == nil || len(page.Records) == 0 {
				break
			}
			if err := emit(page); err != nil {
				return fmt.Errorf("emit page %d: %w", page.Number, err)
			}
		}

		if ended {
			b.logger.Debug().Int("rounds", round+1).Msg("Probe complete")
			return nil
		}
		next += size
	}
}

// roundEnd reports whether the round holds the end of the listing and
// rejects rounds where data follows the end.
func roundEnd(pages []*Page, lasts []bool) (bool, error) {
	ended := false
	for i, page := range pages {
		empty := page == nil || len(page.Records) == 0
		if ended && !empty {
			return false, ErrNonMonotonicPages
		}
		if empty || lasts[i] {
			ended = true
		}
	}
	return ended, nil
}
