// Package engine runs orchestration iterations: poll every collector, fan
// alerts out to the pipeline, and keep the dedup cache persisted. The
// scheduler in this package drives iterations on an interval.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/dedup"
	"github.com/linnemanlabs/rampart/internal/pipeline"
	"github.com/linnemanlabs/rampart/internal/playbook"
	"github.com/linnemanlabs/rampart/internal/source"
)

const defaultWorkers = 4

// IterationResult summarizes one engine iteration. It is what the run API
// and -once mode report; per-playbook runs live in Results.
type IterationResult struct {
	ID           string                 `json:"id"`
	StartedAt    time.Time              `json:"started_at"`
	Duration     float64                `json:"duration_seconds"`
	AlertsSeen   int                    `json:"alerts_seen"`
	Deduped      int                    `json:"deduped"`
	Completed    int                    `json:"completed"`
	Failed       int                    `json:"failed"`
	Unmatched    int                    `json:"unmatched"`
	SourceErrors map[string]string      `json:"source_errors,omitempty"`
	Results      []pipeline.AlertResult `json:"results,omitempty"`
}

// Engine wires collectors to the pipeline.
type Engine struct {
	collectors []source.Collector
	pipe       *pipeline.Pipeline
	cache      *dedup.Cache
	workers    int
	logger     log.Logger
	metrics    *pipeline.Metrics
}

// New creates an engine. workers <= 0 selects the default alert concurrency.
func New(collectors []source.Collector, pipe *pipeline.Pipeline, cache *dedup.Cache,
	workers int, logger log.Logger, metrics *pipeline.Metrics) *Engine {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		collectors: collectors,
		pipe:       pipe,
		cache:      cache,
		workers:    workers,
		logger:     logger,
		metrics:    metrics,
	}
}

// RunIteration polls all collectors concurrently and processes the yielded
// alerts through the pipeline with bounded concurrency. A collector failure
// is reported in SourceErrors and does not abort the other sources.
func (e *Engine) RunIteration(ctx context.Context, reg *playbook.Registry) IterationResult {
	result := IterationResult{
		ID:        ulid.Make().String(),
		StartedAt: time.Now().UTC(),
	}
	lg := e.logger.With("iteration", result.ID)
	lg.Info(ctx, "iteration started", "collectors", len(e.collectors))

	e.cache.MaybeSweep()

	alerts, sourceErrors := e.collect(ctx, lg)
	result.AlertsSeen = len(alerts)
	result.SourceErrors = sourceErrors

	results := e.dispatch(ctx, reg, alerts)
	result.Results = results
	for _, r := range results {
		switch {
		case r.State == alert.StateDeduped:
			result.Deduped++
		case r.Unmatched:
			result.Unmatched++
		case r.State == alert.StateFailed:
			result.Failed++
		default:
			result.Completed++
		}
	}

	stats := e.cache.Stats()
	e.metrics.SetCacheStats(stats.Entries, stats.TotalBytes)

	if err := e.cache.Flush(ctx); err != nil {
		lg.Error(ctx, err, "cache flush failed")
	}

	result.Duration = time.Since(result.StartedAt).Seconds()
	e.metrics.ObserveIteration(time.Since(result.StartedAt))
	lg.Info(ctx, "iteration finished",
		"seen", result.AlertsSeen, "deduped", result.Deduped,
		"completed", result.Completed, "failed", result.Failed,
		"unmatched", result.Unmatched, "source_errors", len(sourceErrors))
	return result
}

// collect polls every collector concurrently. Failures are isolated per
// source.
func (e *Engine) collect(ctx context.Context, lg log.Logger) ([]*alert.Alert, map[string]string) {
	var (
		mu        sync.Mutex
		alerts    []*alert.Alert
		srcErrors = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.collectors {
		g.Go(func() error {
			polled, err := c.Poll(gctx)
			if err != nil {
				cerr := &source.CollectorError{Source: c.Name(), Err: err}
				lg.Error(gctx, cerr, "collector poll failed", "source", c.Name())
				e.metrics.ObserveCollector(c.Name(), 0, true)
				mu.Lock()
				srcErrors[c.Name()] = err.Error()
				mu.Unlock()
				return nil
			}
			e.metrics.ObserveCollector(c.Name(), len(polled), false)
			mu.Lock()
			alerts = append(alerts, polled...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return alerts, srcErrors
}

// dispatch processes alerts with at most e.workers in flight.
func (e *Engine) dispatch(ctx context.Context, reg *playbook.Registry, alerts []*alert.Alert) []pipeline.AlertResult {
	if len(alerts) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		results = make([]pipeline.AlertResult, 0, len(alerts))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, al := range alerts {
		g.Go(func() error {
			r := e.pipe.Process(gctx, reg, al)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
