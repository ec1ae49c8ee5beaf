package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request admission.
var (
	gateAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartmogul_gate_admitted_total",
		Help: "Total number of requests admitted by the rate limit gate",
	})

	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chartmogul_gate_wait_seconds",
		Help:    "Time spent waiting for admission by the rate limit gate",
		Buckets: []float64{0.001, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Gate admits at most MaxPerSecond requests over any rolling one-second window.
//
// Admissions are spaced evenly (burst of one), so N concurrent callers are
// serialized against the ceiling no matter how many of them are runnable.
type Gate struct {
	limiter      *rate.Limiter
	maxPerSecond int
	logger       zerolog.Logger

	admitted atomic.Int64
	waiting  atomic.Int64

	mu        sync.Mutex
	lastAdmit time.Time
}

// NewGate creates a gate for maxPerSecond requests per second.
func NewGate(maxPerSecond int, logger zerolog.Logger) (*Gate, error) {
	if maxPerSecond < 1 {
		return nil, fmt.Errorf("max requests per second must be >= 1 (got %d)", maxPerSecond)
	}

	interval := Window / time.Duration(maxPerSecond)

	return &Gate{
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
		maxPerSecond: maxPerSecond,
		logger:       logger,
	}, nil
}

// Wait blocks until the caller is admitted or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	start := time.Now()

	g.waiting.Add(1)
	err := g.limiter.Wait(ctx)
	g.waiting.Add(-1)

	if err != nil {
		g.logger.Debug().Err(err).Msg("Admission wait aborted")
		return fmt.Errorf("rate limit wait: %w", err)
	}

	waited := time.Since(start)
	gateWaitSeconds.Observe(waited.Seconds())
	gateAdmittedTotal.Inc()
	g.admitted.Add(1)

	g.mu.Lock()
	g.lastAdmit = time.Now()
	g.mu.Unlock()

	if waited > Window {
		g.logger.Warn().
			Dur("waited", waited).
			Int64("waiting", g.waiting.Load()).
			Msg("Request waited more than one window for admission")
	}

	return nil
}

// Admitted returns the number of requests admitted so far.
func (g *Gate) Admitted() int64 {
	return g.admitted.Load()
}

// State returns a snapshot of the gate.
func (g *Gate) State() GateState {
	g.mu.Lock()
	last := g.lastAdmit
	g.mu.Unlock()

	return GateState{
		MaxPerSecond: g.maxPerSecond,
		Admitted:     g.admitted.Load(),
		Waiting:      g.waiting.Load(),
		LastAdmit:    last,
	}
}
