// Package runapi exposes the operational HTTP surface: manual iteration
// triggers, the latest iteration result, and dedup cache statistics.
package runapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/rampart/internal/dedup"
	"github.com/linnemanlabs/rampart/internal/engine"
)

// Runner defines the scheduler operations the API needs.
type Runner interface {
	RunOnce(ctx context.Context) engine.IterationResult
	Last() *engine.IterationResult
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	runner Runner
	cache  *dedup.Cache
}

// New creates a new API handler.
func New(logger log.Logger, runner Runner, cache *dedup.Cache) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if runner == nil {
		panic(xerrors.New("runner is required"))
	}
	if cache == nil {
		panic(xerrors.New("cache is required"))
	}
	return &API{
		logger: logger,
		runner: runner,
		cache:  cache,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/iterations", a.handleTriggerIteration)
		r.Get("/iterations/last", a.handleLastIteration)
		r.Get("/cache/stats", a.handleCacheStats)
	})
}

// handleTriggerIteration runs one iteration synchronously. The scheduler is
// single-flight, so a trigger during a scheduled run waits for it.
func (a *API) handleTriggerIteration(w http.ResponseWriter, r *http.Request) {
	result := a.runner.RunOnce(r.Context())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("rampart.iteration.id", result.ID),
		attribute.Int("rampart.iteration.alerts_seen", result.AlertsSeen),
	)
	a.logger.Info(r.Context(), "manual iteration triggered",
		"iteration", result.ID, "seen", result.AlertsSeen, "failed", result.Failed)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (a *API) handleLastIteration(w http.ResponseWriter, r *http.Request) {
	last := a.runner.Last()
	if last == nil {
		http.Error(w, `{"error":"no iteration has run yet"}`, http.StatusNotFound)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("rampart.iteration.id", last.ID))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(last)
}

func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.cache.Stats())
}
